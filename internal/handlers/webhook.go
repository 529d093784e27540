package handlers

import (
	"io"
	"net/http"
)

// maxWebhookBody caps how much of a delivery we read into memory
const maxWebhookBody = 5 << 20 // 5MB

// receiveWebhook ingests a delivery from the remote tracker. The sender
// authenticates with the HMAC signature header, never with JWT. The
// response is 202 as soon as the delivery is persisted; processing
// happens asynchronously.
func (r *Router) receiveWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	event, err := r.processor.Ingest(
		req.Context(),
		req.Header.Get("X-GitHub-Delivery"),
		req.Header.Get("X-GitHub-Event"),
		req.Header.Get("X-Hub-Signature-256"),
		body,
	)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"delivery_id": event.DeliveryID,
		"status":      event.Status,
	})
}
