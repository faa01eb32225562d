package companion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/provider"
	"example.com/healthsync/internal/steps"
)

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		require.Equal(t, "/v1/status", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]int{"sdkStatus": 3})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret", srv.Client())
	client.baseDelay = time.Millisecond

	status, err := client.SDKStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, provider.SDKAvailable, status)
	require.Equal(t, int32(3), calls.Load())
}

func TestClientReturnsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"bad_range","message":"end before start"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", srv.Client()).ReadRecords(context.Background(), provider.RecordSteps, domain.TimeRange{})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	require.Equal(t, "bad_range", httpErr.Code)
}

func TestClientDrivesHealthConnectProvider(t *testing.T) {
	start := time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]int{"sdkStatus": 3})
	})
	mux.HandleFunc("/v1/permissions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Permissions []string `json:"permissions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(map[string][]string{"granted": req.Permissions[:1]})
	})
	mux.HandleFunc("/v1/records/Steps", func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.URL.Query().Get("start"))
		_ = json.NewEncoder(w).Encode(map[string]any{"records": []provider.HCRecord{
			{StartTime: start, EndTime: start.Add(time.Hour), Count: 900, DataOrigin: "com.sec.android.app.shealth", DeviceModel: "Galaxy Watch6"},
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	hc := provider.NewHealthConnect(NewClient(srv.URL, "", srv.Client()))
	ctx := context.Background()
	require.True(t, hc.Initialize(ctx))
	require.Equal(t, []domain.MetricKind{domain.KindSteps}, hc.RequestPermission(ctx, []domain.MetricKind{domain.KindSteps, domain.KindSleep}))

	points := hc.ReadSteps(ctx, domain.TimeRange{Start: start, End: start.Add(2 * time.Hour)})
	require.Len(t, points, 1)
	require.Equal(t, 900.0, points[0].Value)
	require.Equal(t, "Galaxy Watch6", points[0].Source)
}

func TestActivityRecognitionForbiddenMeansDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(map[string]bool{"granted": false})
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", srv.Client())
	granted, err := client.CheckActivityRecognition(context.Background())
	require.NoError(t, err)
	require.False(t, granted)

	granted, err = client.RequestActivityRecognition(context.Background())
	require.NoError(t, err)
	require.False(t, granted)
}

func TestPedometerStreamsReadings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for _, n := range []int64{10, 25} {
			if err := wsjson.Write(r.Context(), conn, steps.Reading{Steps: n, At: time.Now()}); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := NewPedometer(srv.URL, "").Open(ctx)
	require.NoError(t, err)
	defer stream.Close()

	var got []int64
	for {
		r, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, r.Steps)
	}
	require.Equal(t, []int64{10, 25}, got)
}

func TestPedometerOpenFailsWhenCompanionIsDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewPedometer(url, "").Open(context.Background())
	require.ErrorContains(t, err, "dial pedometer")
}
