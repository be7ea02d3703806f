package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tangible-labs/assetcycle/internal/statemachine"
	"github.com/tangible-labs/assetcycle/model"
)

func handleAssetInitialize(machine *statemachine.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		assetID := chi.URLParam(r, "assetID")

		var body struct {
			State    string         `json:"state"`
			Metadata map[string]any `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.State == "" {
			body.State = string(model.StateDraft)
		}

		record, err := machine.Initialize(r.Context(), rctx, assetID, model.LifecycleState(body.State), body.Metadata)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, record)
	}
}

func handleTransitionRequest(machine *statemachine.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		assetID := chi.URLParam(r, "assetID")

		var body struct {
			To       string         `json:"to"`
			Reason   string         `json:"reason"`
			Metadata map[string]any `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.To == "" {
			WriteValidationError(w, []model.FieldError{
				{Field: "to", Code: "required", Message: "target state is required"},
			})
			return
		}

		result, err := machine.RequestTransition(r.Context(), rctx, assetID, model.LifecycleState(body.To), body.Reason, body.Metadata)
		if err != nil {
			WriteError(w, err)
			return
		}

		status := http.StatusOK
		if !result.Committed {
			status = http.StatusAccepted
		}
		WriteJSON(w, status, result)
	}
}

func handleAssetStatus(machine *statemachine.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		assetID := chi.URLParam(r, "assetID")

		record, err := machine.CurrentState(r.Context(), rctx, assetID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, record)
	}
}

func handleAssetHistory(machine *statemachine.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		assetID := chi.URLParam(r, "assetID")

		history, err := machine.History(r.Context(), rctx, assetID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"asset_id": assetID,
			"history":  history,
		})
	}
}

func handleAssetPending(machine *statemachine.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		assetID := chi.URLParam(r, "assetID")

		pending, found, err := machine.PendingForAsset(r.Context(), rctx, assetID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if !found {
			WriteNotFound(w, "no transition awaiting conditions for asset "+assetID)
			return
		}
		WriteJSON(w, http.StatusOK, pending)
	}
}

func handleConditionFulfill(machine *statemachine.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		conditionID := chi.URLParam(r, "conditionID")

		var body struct {
			Evidence string `json:"evidence"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		pending, err := machine.Fulfill(r.Context(), rctx, conditionID, body.Evidence)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, pending)
	}
}
