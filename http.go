package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eddielth/simonair-bridge/command"
	"github.com/eddielth/simonair-bridge/device"
	"github.com/eddielth/simonair-bridge/logger"
	"github.com/eddielth/simonair-bridge/telemetry"
	"github.com/eddielth/simonair-bridge/validator"
)

type connectionState interface {
	IsConnected() bool
}

type commandSender interface {
	PublishCalibration(ctx context.Context, deviceID string, cmd command.CalibrationCommand) error
	PublishThreshold(ctx context.Context, deviceID string, cmd command.ThresholdCommand) error
	Pending() []command.PendingInfo
}

type calibrationRequest struct {
	SensorType validator.SensorType   `json:"sensor_type"`
	Parameters map[string]interface{} `json:"parameters"`
}

type pendingView struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	Kind     string `json:"kind"`
	SentAt   string `json:"sent_at"`
	Retries  int    `json:"retries"`
	Deadline string `json:"deadline"`
}

func newMux(gatherer prometheus.Gatherer, conn connectionState, commands commandSender, latest *telemetry.Latest) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := http.StatusOK
		body := map[string]interface{}{"transport": "connected"}
		if !conn.IsConnected() {
			status = http.StatusServiceUnavailable
			body["transport"] = "disconnected"
		}
		writeJSON(w, status, body)
	})

	mux.HandleFunc("GET /commands/pending", func(w http.ResponseWriter, _ *http.Request) {
		infos := commands.Pending()
		out := make([]pendingView, 0, len(infos))
		for _, p := range infos {
			out = append(out, pendingView{
				ID:       p.ID,
				DeviceID: p.DeviceID,
				Kind:     string(p.Kind),
				SentAt:   validator.FormatTimestamp(p.SentAt),
				Retries:  p.Retries,
				Deadline: validator.FormatTimestamp(p.Deadline),
			})
		}
		writeJSON(w, http.StatusOK, out)
	})

	// the command endpoints block until the device acks or the attempts run out
	mux.HandleFunc("POST /devices/{device}/calibration", func(w http.ResponseWriter, r *http.Request) {
		var req calibrationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		err := commands.PublishCalibration(r.Context(), r.PathValue("device"), command.CalibrationCommand{
			SensorType: req.SensorType,
			Parameters: req.Parameters,
		})
		writeCommandResult(w, err)
	})

	mux.HandleFunc("POST /devices/{device}/thresholds", func(w http.ResponseWriter, r *http.Request) {
		var bounds map[string]interface{}
		if !decodeBody(w, r, &bounds) {
			return
		}
		err := commands.PublishThreshold(r.Context(), r.PathValue("device"), command.ThresholdCommand{Bounds: bounds})
		writeCommandResult(w, err)
	})

	mux.HandleFunc("GET /readings/latest", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, latest.Snapshot())
	})

	mux.HandleFunc("GET /readings/latest/{device}", func(w http.ResponseWriter, r *http.Request) {
		reading, ok := latest.Get(r.PathValue("device"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no reading for device"})
			return
		}
		writeJSON(w, http.StatusOK, reading)
	})

	return mux
}

// decodeBody reads a JSON object into v, answering 400 when it cannot.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeCommandResult(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": command.StatusOK})
		return
	}
	writeJSON(w, commandStatus(err), map[string]string{"error": err.Error()})
}

// commandStatus maps a coordinator error onto an HTTP status.
func commandStatus(err error) int {
	var (
		invalid  *validator.ValidationError
		unknown  *device.UnknownDeviceError
		inFlight *command.InFlightError
		rejected *command.RejectedError
		timeout  *command.AckTimeoutError
		offline  *command.NotConnectedError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &unknown):
		return http.StatusNotFound
	case errors.As(err, &inFlight):
		return http.StatusConflict
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &offline), errors.Is(err, command.ErrShutdown), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write response: %v", err)
	}
}
