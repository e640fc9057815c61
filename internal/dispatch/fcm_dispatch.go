package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/example/shuttle-tracker/internal/proximity"
)

var ErrNoPushToken = errors.New("viewer has no push token")

// FCMSink posts proximity alerts to an FCM HTTP v1 style endpoint.
type FCMSink struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMSink(endpoint, key string) *FCMSink {
	return &FCMSink{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (f *FCMSink) Notify(ctx context.Context, a proximity.Alert) error {
	if a.PushToken == "" {
		return ErrNoPushToken
	}
	body := fcmRequest{Message: fcmMessage{
		Token: a.PushToken,
		Notification: fcmNotification{
			Title: "Shuttle nearby",
			Body:  fmt.Sprintf("The bus is about %d m away", int(a.DistanceMeters)),
		},
		Data: map[string]string{
			"bus_id":          a.BusID,
			"nearest_user_id": a.NearestUserID,
			"distance_meters": strconv.FormatFloat(a.DistanceMeters, 'f', 0, 64),
			"at":              strconv.FormatInt(a.At, 10),
		},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fcm post: unexpected status %d", resp.StatusCode)
	}
	return nil
}
