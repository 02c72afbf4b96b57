package services

import (
	"context"
	"errors"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"go.uber.org/zap"
)

// RecordingController starts and stops server-side recordings of local
// producers. Its failures never touch the call state.
type RecordingController struct {
	signaling ports.SignalingChannel
	metrics   ports.CallMetrics
	logger    *zap.SugaredLogger

	mu         sync.Mutex
	recordings map[domain.ProducerID]domain.RecordingID
}

func NewRecordingController(signaling ports.SignalingChannel, metrics ports.CallMetrics, logger *zap.SugaredLogger) *RecordingController {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RecordingController{
		signaling:  signaling,
		metrics:    metrics,
		logger:     logger,
		recordings: make(map[domain.ProducerID]domain.RecordingID),
	}
}

func (rc *RecordingController) StartRecording(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID, kind domain.MediaKind) (id domain.RecordingID, err error) {
	defer func() { rc.metrics.RecordingOutcome("start", err) }()

	rc.mu.Lock()
	existing, busy := rc.recordings[producerID]
	rc.mu.Unlock()
	if busy {
		return "", domain.NewRecordingError(nil, "producer %s is already recorded as %s", producerID, existing)
	}

	var resp domain.StartRecordingResponse
	if err := rc.signaling.Request(ctx, domain.EventStartRecording, domain.StartRecordingRequest{
		RoomID:     roomID,
		ProducerID: producerID,
		Kind:       kind,
	}, &resp); err != nil {
		return "", domain.NewRecordingError(err, "start recording %s", producerID)
	}
	if resp.Error != "" {
		return "", domain.NewRecordingError(errors.New(resp.Error), "start recording %s", producerID)
	}
	if resp.RecordingID == "" {
		return "", domain.NewRecordingError(nil, "server returned no recording id for %s", producerID)
	}

	rc.mu.Lock()
	rc.recordings[producerID] = resp.RecordingID
	rc.mu.Unlock()

	rc.logger.Infow("recording started", "producer_id", producerID, "recording_id", resp.RecordingID)
	return resp.RecordingID, nil
}

// StopRecording returns the server-side file path. Unknown ids fail without
// contacting the server.
func (rc *RecordingController) StopRecording(ctx context.Context, id domain.RecordingID) (filePath string, err error) {
	defer func() { rc.metrics.RecordingOutcome("stop", err) }()

	if _, ok := rc.producerFor(id); !ok {
		return "", domain.NewRecordingError(domain.ErrRecordingNotFound, "stop recording %s", id)
	}

	var resp domain.StopRecordingResponse
	if err := rc.signaling.Request(ctx, domain.EventStopRecording, domain.StopRecordingRequest{RecordingID: id}, &resp); err != nil {
		return "", domain.NewRecordingError(err, "stop recording %s", id)
	}
	if resp.Error != "" {
		return "", domain.NewRecordingError(errors.New(resp.Error), "stop recording %s", id)
	}

	rc.mu.Lock()
	for producerID, recordingID := range rc.recordings {
		if recordingID == id {
			delete(rc.recordings, producerID)
			break
		}
	}
	rc.mu.Unlock()

	rc.logger.Infow("recording stopped", "recording_id", id, "file_path", resp.FilePath)
	return resp.FilePath, nil
}

// RecordingFor returns the active recording of producerID.
func (rc *RecordingController) RecordingFor(producerID domain.ProducerID) (domain.RecordingID, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	id, ok := rc.recordings[producerID]
	return id, ok
}

// Active returns a copy of the producer to recording map.
func (rc *RecordingController) Active() map[domain.ProducerID]domain.RecordingID {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[domain.ProducerID]domain.RecordingID, len(rc.recordings))
	for k, v := range rc.recordings {
		out[k] = v
	}
	return out
}

// Reset forgets every recording; the server stops them with the room.
func (rc *RecordingController) Reset() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.recordings = make(map[domain.ProducerID]domain.RecordingID)
}

func (rc *RecordingController) producerFor(id domain.RecordingID) (domain.ProducerID, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for producerID, recordingID := range rc.recordings {
		if recordingID == id {
			return producerID, true
		}
	}
	return "", false
}
