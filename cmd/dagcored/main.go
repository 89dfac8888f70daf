package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/dagcore/internal/engine"
	"github.com/swarmguard/dagcore/internal/logging"
	"github.com/swarmguard/dagcore/internal/otelinit"
)

type runRequest struct {
	WorkflowName string       `json:"workflow_name"`
	DAG          engine.DAG   `json:"dag"`
	Config       engine.Config `json:"config"`
}

type runResponse struct {
	WorkflowID string `json:"workflow_id"`
}

type commandRequest struct {
	Type               engine.CommandType     `json:"type"`
	Reason             string                 `json:"reason,omitempty"`
	Approved           bool                   `json:"approved,omitempty"`
	WidenedPermissions engine.PermissionSet   `json:"widened_permissions,omitempty"`
	NewRequirement     string                 `json:"new_requirement,omitempty"`
	PlannerContext     map[string]any         `json:"planner_context,omitempty"`
	CorrelationID      string                 `json:"correlation_id,omitempty"`
}

func main() {
	service := "dagcored"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, err := otelinit.InitMetrics(ctx, service)
	if err != nil {
		slog.Error("metrics init failed", "error", err)
	}

	dbPath := os.Getenv("DAGCORE_CHECKPOINT_DB")
	if dbPath == "" {
		dbPath = "./dagcore-checkpoints.db"
	}
	checkpointer, err := engine.NewBoltCheckpointer(dbPath)
	if err != nil {
		slog.Error("checkpoint db init failed", "error", err)
		checkpointer = nil
	}

	prune, err := engine.NewPruneScheduler(checkpointer, "0 0 */1 * * *", 20)
	if err != nil {
		slog.Warn("prune scheduler init failed", "error", err)
	} else {
		prune.Start()
		defer prune.Stop(context.Background())
	}

	executor := engine.NewExecutor(
		&demoToolExecutor{},
		&demoSandboxRuntime{},
		&demoCapabilityStore{},
		nil, // no Planner wired by default; host can inject one that talks to a planning service
		nil, // no Predictor wired by default; speculation stays disabled until one is provided
		checkpointer,
		engine.DefaultConfig(),
	)
	defer executor.Close()

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/workflows/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.WorkflowName == "" {
			http.Error(w, "workflow_name required", http.StatusBadRequest)
			return
		}

		workflowID, events, detach, err := executor.Execute(r.Context(), req.DAG, req.WorkflowName)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if prune != nil {
			prune.Track(workflowID)
		}
		go drainEvents(workflowID, events, detach)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(runResponse{WorkflowID: workflowID})
	})

	mux.HandleFunc("/v1/workflows/command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		workflowID := r.URL.Query().Get("workflow_id")
		var req commandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		cmd := engine.Command{
			Type:               req.Type,
			Reason:             req.Reason,
			Approved:           req.Approved,
			WidenedPermissions: req.WidenedPermissions,
			NewRequirement:     req.NewRequirement,
			PlannerContext:     req.PlannerContext,
			CorrelationID:      req.CorrelationID,
		}
		if err := executor.EnqueueCommand(workflowID, cmd); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/v1/workflows/state", func(w http.ResponseWriter, r *http.Request) {
		workflowID := r.URL.Query().Get("workflow_id")
		snap, err := executor.GetStateSnapshot(workflowID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("dagcored started")

	<-ctx.Done()
	slog.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	if checkpointer != nil {
		_ = checkpointer.Close()
	}
	slog.Info("shutdown complete")
}

func drainEvents(workflowID string, events <-chan engine.ExecutionEvent, detach func()) {
	defer detach()
	for ev := range events {
		slog.Info("workflow event", "workflow_id", workflowID, "type", ev.Type, "task_id", ev.TaskID, "layer", ev.LayerIndex)
	}
}
