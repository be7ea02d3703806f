package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tangible-labs/assetcycle/internal/aggregator"
	"github.com/tangible-labs/assetcycle/model"
)

func handleAlertList(agg *aggregator.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		filters := aggregator.AlertFilters{
			AssetID:        r.URL.Query().Get("asset_id"),
			Kind:           r.URL.Query().Get("kind"),
			Unacknowledged: r.URL.Query().Get("unacknowledged") == "true",
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data": agg.Alerts(rctx, filters),
		})
	}
}

func handleAlertAcknowledge(agg *aggregator.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		alertID := chi.URLParam(r, "alertID")

		alert, err := agg.Acknowledge(rctx, alertID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, alert)
	}
}

func handleAssetStats(agg *aggregator.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		assetID := chi.URLParam(r, "assetID")

		stats, err := agg.Stats(rctx, assetID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

func handleAllStats(agg *aggregator.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data": agg.AllStats(rctx),
		})
	}
}
