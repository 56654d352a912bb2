package app

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/go-chi/chi"

	"github.com/javking07/toadrunner/model"
	"github.com/javking07/toadrunner/runs"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	var Health struct {
		ServerStatus string `json:"server_status"`
		Runs         int    `json:"runs"`
		CacheCount   int64  `json:"cache_count"`
	}
	// Report on server status
	Health.ServerStatus = "ok"
	Health.Runs = a.AppRegistry.Len()

	// Report on cache status
	if a.AppCache != nil {
		Health.CacheCount = a.AppCache.EntryCount()
	}

	respondWithJSON(w, http.StatusOK, Health)
}

// PostRun validates a run request and starts it. The run outlives the
// request, so it is started on the app context.
func (a *App) PostRun(w http.ResponseWriter, r *http.Request) {
	if a.AppLimiter != nil && !a.AppLimiter.Allow() {
		respondWithError(w, http.StatusTooManyRequests, "too many runs submitted, retry later")
		return
	}

	body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, a.AppConfig.Server.MaxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "error reading request body: "+err.Error())
		return
	}

	spec, err := model.Normalize(body)
	if err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}

	run, err := a.AppController.Start(a.ctx, spec)
	if err != nil {
		a.AppLogger.Error().Err(err).Msg("error starting run")
		respondWithError(w, statusFor(err), model.ErrInternal.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"id": run.ID()})
}

type statusResponse struct {
	Status    model.Status           `json:"status"`
	Progress  []model.ProgressSample `json:"progress"`
	StartedAt time.Time              `json:"startedAt"`
	Error     string                 `json:"error,omitempty"`
}

func (a *App) GetStatus(w http.ResponseWriter, r *http.Request) {
	run, ok := a.lookup(w, r)
	if !ok {
		return
	}
	snap := run.Snapshot()
	respondWithJSON(w, http.StatusOK, statusResponse{
		Status:    snap.Status,
		Progress:  snap.Progress,
		StartedAt: snap.StartedAt,
		Error:     snap.Error,
	})
}

// GetResult answers 200 with the report of a finished run, 202 while it
// is running and 409 once it has failed. Reports never change once set,
// so their encoding is cached.
func (a *App) GetResult(w http.ResponseWriter, r *http.Request) {
	run, ok := a.lookup(w, r)
	if !ok {
		return
	}

	key := []byte("result:" + run.ID())
	if cached, err := a.AppCache.Get(key); err == nil {
		respondWithBytes(w, http.StatusOK, cached)
		return
	}

	snap := run.Snapshot()
	switch snap.Status {
	case model.StatusDone:
		encoded, err := json.Marshal(snap.Result)
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, "error encoding result")
			return
		}
		if err := a.AppCache.Set(key, encoded, 0); err != nil {
			a.AppLogger.Debug().Err(err).Str("run", run.ID()).Msg("result not cached")
		}
		respondWithBytes(w, http.StatusOK, encoded)
	case model.StatusError:
		respondWithJSON(w, http.StatusConflict, map[string]string{"status": string(snap.Status), "error": snap.Error})
	default:
		respondWithJSON(w, http.StatusAccepted, map[string]string{"status": string(snap.Status)})
	}
}

type logsResponse struct {
	Status      model.Status `json:"status"`
	Lines       []string     `json:"lines"`
	PollAfterMs int64        `json:"pollAfterMs"`
}

func (a *App) GetLogs(w http.ResponseWriter, r *http.Request) {
	run, ok := a.lookup(w, r)
	if !ok {
		return
	}
	status, lines := run.Logs()
	poll := a.AppConfig.Stream.ActivePoll
	if status.Terminal() {
		poll = a.AppConfig.Stream.TerminalPoll
	}
	respondWithJSON(w, http.StatusOK, logsResponse{
		Status:      status,
		Lines:       lines,
		PollAfterMs: poll.Milliseconds(),
	})
}

func (a *App) GetHistory(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, a.AppRegistry.List())
}

// lookup resolves the {runID} route parameter, answering 404 itself when
// the run is unknown.
func (a *App) lookup(w http.ResponseWriter, r *http.Request) (*runs.Run, bool) {
	run, err := a.AppRegistry.Get(chi.URLParam(r, "runID"))
	if err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return nil, false
	}
	return run, true
}
