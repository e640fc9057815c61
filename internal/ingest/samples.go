package ingest

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/example/shuttle-tracker/internal/geo"
	"github.com/example/shuttle-tracker/internal/models"
)

type sampleMessage struct {
	BusID  string   `json:"busId" validate:"required"`
	UserID string   `json:"userId" validate:"required"`
	Type   string   `json:"type" validate:"oneof=board sample stop"`
	Lat    *float64 `json:"lat"`
	Lng    *float64 `json:"lng"`
}

var sampleValidator = validator.New()

// DecodeSample parses one message from the samples topic. Stop messages
// need no position.
func DecodeSample(b []byte) (models.PositionSample, error) {
	var m sampleMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return models.PositionSample{}, &models.ValidationError{Field: "sample", Reason: "malformed json"}
	}
	if err := sampleValidator.Struct(m); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return models.PositionSample{}, &models.ValidationError{Field: verrs[0].Field(), Reason: "failed " + verrs[0].Tag()}
		}
		return models.PositionSample{}, &models.ValidationError{Field: "sample", Reason: err.Error()}
	}
	s := models.PositionSample{BusID: m.BusID, UserID: m.UserID, Type: m.Type}
	if m.Type == "stop" {
		return s, nil
	}
	if m.Lat == nil || m.Lng == nil {
		return models.PositionSample{}, &models.ValidationError{Field: "position", Reason: "lat and lng are required"}
	}
	if err := geo.ValidateCoordinate(*m.Lat, *m.Lng); err != nil {
		return models.PositionSample{}, &models.ValidationError{Field: "position", Reason: err.Error()}
	}
	s.Lat, s.Lng = *m.Lat, *m.Lng
	return s, nil
}

func EncodeSample(s models.PositionSample) ([]byte, error) {
	return json.Marshal(s)
}
