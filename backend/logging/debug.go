package logging

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterDebugRoutes mounts the log level inspection API on the router:
//
//	GET /                  list loggers with their levels
//	PUT /{subsystem}       set the level, body {"level": "debug"}; use "*" for all loggers.
func RegisterDebugRoutes(r *mux.Router) {
	r.HandleFunc("", listLevels).Methods(http.MethodGet)
	r.HandleFunc("/", listLevels).Methods(http.MethodGet)
	r.HandleFunc("/{subsystem:.+}", setLevel).Methods(http.MethodPut, http.MethodPost)
}

func listLevels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Levels())
}

func setLevel(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Level string `json:"level"`
	}

	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	subsystem := mux.Vars(r)["subsystem"]
	if err := SetLogLevelErr(subsystem, in.Level); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, LevelInfo{Subsystem: subsystem, Level: in.Level})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
