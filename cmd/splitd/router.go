package main

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"splitledger/integrations/exports"
	"splitledger/integrations/indexer"
	"splitledger/rpc"
)

const checksumHeader = "X-Content-SHA256"

func newRouter(server *rpc.Server, ix *indexer.Indexer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/", server.ServeHTTP)
	r.Post("/rpc", server.ServeHTTP)
	if ix != nil {
		r.Route("/exports", func(ex chi.Router) {
			ex.Get("/transfers.csv", exportHandler(ix, exports.TransfersCSV, "text/csv"))
			ex.Get("/transfers.jsonl", exportHandler(ix, exports.TransfersJSONL, "application/x-ndjson"))
		})
	}
	return r
}

func newMetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type exportFunc func([]indexer.Transfer) ([]byte, string, error)

// exportHandler serves indexed transfers filtered by the kind, split, since and
// until query parameters.
func exportHandler(ix *indexer.Indexer, render exportFunc, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		filter := indexer.TransferFilter{Kind: query.Get("kind")}
		var err error
		if filter.SplitID, err = parseUintParam(query.Get("split")); err != nil {
			http.Error(w, "invalid split", http.StatusBadRequest)
			return
		}
		if filter.Since, err = parseIntParam(query.Get("since")); err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		if filter.Until, err = parseIntParam(query.Get("until")); err != nil {
			http.Error(w, "invalid until", http.StatusBadRequest)
			return
		}
		transfers, err := ix.Transfers(r.Context(), filter)
		if err != nil {
			http.Error(w, "query transfers", http.StatusInternalServerError)
			return
		}
		data, checksum, err := render(transfers)
		if err != nil {
			http.Error(w, "render export", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set(checksumHeader, checksum)
		_, _ = w.Write(data)
	}
}

func parseUintParam(v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func parseIntParam(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
