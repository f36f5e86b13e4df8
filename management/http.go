package management

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// View is a point-in-time copy of a bean's state
type View struct {
	Name                    string `json:"name"`
	Mode                    string `json:"mode"`
	Running                 bool   `json:"running"`
	Status                  string `json:"status"`
	FailedRequests          int    `json:"failedRequests"`
	SecondsSinceLastSuccess int    `json:"secondsSinceLastSuccess"`
	SyncStartTimestamp      int64  `json:"syncStartTimestamp"`
	SyncEndTimestamp        int64  `json:"syncEndTimestamp"`
}

// Snapshot reads the state of bean
func Snapshot(name string, bean Bean) View {
	return View{
		Name:                    name,
		Mode:                    bean.Mode(),
		Running:                 bean.IsRunning(),
		Status:                  bean.Status(),
		FailedRequests:          bean.FailedRequests(),
		SecondsSinceLastSuccess: bean.SecondsSinceLastSuccess(),
		SyncStartTimestamp:      bean.SyncStartTimestamp(),
		SyncEndTimestamp:        bean.SyncEndTimestamp(),
	}
}

// NewHandler serves the beans of registry over HTTP.
//
//	GET  /status             views of every bean, or of ?name=
//	POST /start|stop|cleanup invoke a control on every bean, or on ?name=
func NewHandler(registry *MemoryRegistry, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.L()
	}

	handler := &handler{registry: registry, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", handler.status)
	mux.HandleFunc("/start", handler.control("start", Bean.Start))
	mux.HandleFunc("/stop", handler.control("stop", Bean.Stop))
	mux.HandleFunc("/cleanup", handler.control("cleanup", Bean.Cleanup))

	return mux
}

type handler struct {
	registry *MemoryRegistry
	logger   *zap.Logger
}

func (handler *handler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

		return
	}

	entries, ok := handler.selected(r)

	if !ok {
		http.Error(w, "not found", http.StatusNotFound)

		return
	}

	views := make([]View, 0, len(entries))

	for _, entry := range entries {
		views = append(views, Snapshot(entry.name, entry.bean))
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(views); err != nil {
		handler.logger.Warn("could not write status", zap.Error(err))
	}
}

func (handler *handler) control(operation string, fn func(Bean)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		entries, ok := handler.selected(r)

		if !ok {
			http.Error(w, "not found", http.StatusNotFound)

			return
		}

		for _, entry := range entries {
			handler.logger.Info("management control", zap.String("operation", operation), zap.String("name", entry.name))
			fn(entry.bean)
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// selected returns the bean named by the name query parameter
// or every bean if there is none
func (handler *handler) selected(r *http.Request) ([]entry, bool) {
	name := r.URL.Query().Get("name")

	if name == "" {
		return handler.registry.entries(), true
	}

	bean, ok := handler.registry.Get(name)

	if !ok {
		return nil, false
	}

	return []entry{{name: name, bean: bean}}, true
}
