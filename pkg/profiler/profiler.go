package profiler

import (
	"log"
	"net/http"
	"net/http/pprof"
	"time"
)

// InitialiseProfiler sets up a dedicated HTTP server for pprof profiling,
// separate from the pool's own listener, on address.
// Based off  https://github.com/thushan/smash/blob/main/pkg/profiler/profiler.go
func InitialiseProfiler(address string) {
	mux := http.NewServeMux()
	go func() {
		server := &http.Server{
			Addr:         address,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		log.Println("Profiler is running on", address)
		log.Println(server.ListenAndServe())
	}()
}
