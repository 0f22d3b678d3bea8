package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lvdashuaibi/littlewatch/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	status *model.Status
	err    error
	gotID  string
}

func (f *fakeStatus) GetStatus(_ context.Context, userID string) (*model.Status, error) {
	f.gotID = userID
	return f.status, f.err
}

type fakeViewers map[string]*model.ViewerCounterState

func (f fakeViewers) GetViewers(_ context.Context, streamID string) (*model.ViewerCounterState, error) {
	state, ok := f[streamID]
	if !ok {
		return nil, assert.AnError
	}
	return state, nil
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func query(t *testing.T, h http.Handler, q string) gqlResponse {
	t.Helper()
	body, err := json.Marshal(map[string]string{"query": q})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp gqlResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestEarnStatusQuery(t *testing.T) {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	status := &fakeStatus{status: &model.Status{
		Today: model.TodayStatus{
			WatchRewards: decimal.NewFromInt(7),
			TotalRewards: decimal.NewFromInt(7),
			DailyLimit:   decimal.NewFromInt(50),
			Remaining:    decimal.NewFromInt(43),
		},
		Unclaimed: model.UnclaimedStatus{
			Count:       1,
			TotalAmount: decimal.RequireFromString("2.5"),
			Rewards: []*model.RewardRecord{
				{ID: "r1", Type: model.RewardTypeWatch5Min, Amount: decimal.RequireFromString("2.5"), CreatedAt: started},
			},
		},
		ActiveSession:  &model.WatchSession{SessionID: "s1", StreamID: "live-1", StartedAt: started, TotalSeconds: 330},
		ResetInSeconds: 50400,
	}}
	srv := NewGraphQLServer(status, fakeViewers{}, "/graphql")

	resp := query(t, srv.Handler(), `{
		earnStatus(userAddress: "0xABC") {
			today { watchRewards remaining dailyLimit }
			unclaimed { count totalAmount rewards { id type amount createdAt } }
			activeSession { sessionId streamId totalWatchTime attentionCheckPending }
			resetInSeconds
		}
	}`)
	require.Empty(t, resp.Errors)
	assert.Equal(t, "0xABC", status.gotID)

	var data struct {
		EarnStatus struct {
			Today struct {
				WatchRewards string
				Remaining    string
				DailyLimit   string
			}
			Unclaimed struct {
				Count       int
				TotalAmount string
				Rewards     []struct {
					ID        string
					Type      string
					Amount    string
					CreatedAt string
				}
			}
			ActiveSession *struct {
				SessionID      string
				StreamID       string
				TotalWatchTime int
			}
			ResetInSeconds int
		}
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "7", data.EarnStatus.Today.WatchRewards)
	assert.Equal(t, "43", data.EarnStatus.Today.Remaining)
	assert.Equal(t, 1, data.EarnStatus.Unclaimed.Count)
	require.Len(t, data.EarnStatus.Unclaimed.Rewards, 1)
	assert.Equal(t, "2.5", data.EarnStatus.Unclaimed.Rewards[0].Amount)
	assert.Equal(t, "2024-03-01T10:00:00Z", data.EarnStatus.Unclaimed.Rewards[0].CreatedAt)
	require.NotNil(t, data.EarnStatus.ActiveSession)
	assert.Equal(t, "s1", data.EarnStatus.ActiveSession.SessionID)
	assert.Equal(t, 330, data.EarnStatus.ActiveSession.TotalWatchTime)
	assert.Equal(t, 50400, data.EarnStatus.ResetInSeconds)
}

func TestEarnStatusWithoutSession(t *testing.T) {
	srv := NewGraphQLServer(&fakeStatus{status: &model.Status{}}, fakeViewers{}, "/graphql")

	resp := query(t, srv.Handler(), `{ earnStatus(userAddress: "0xabc") { activeSession { sessionId } resetInSeconds } }`)
	require.Empty(t, resp.Errors)
	assert.JSONEq(t, `{"earnStatus":{"activeSession":null,"resetInSeconds":0}}`, string(resp.Data))
}

func TestViewersQuery(t *testing.T) {
	viewers := fakeViewers{"live-1": {StreamID: "live-1", ViewerCount: 12, PeakViewers: 30}}
	srv := NewGraphQLServer(&fakeStatus{}, viewers, "/graphql")

	resp := query(t, srv.Handler(), `{ viewers(streamId: "live-1") { streamId viewerCount peakViewers } }`)
	require.Empty(t, resp.Errors)
	assert.JSONEq(t, `{"viewers":{"streamId":"live-1","viewerCount":12,"peakViewers":30}}`, string(resp.Data))

	resp = query(t, srv.Handler(), `{ viewers(streamId: "missing") { viewerCount } }`)
	assert.NotEmpty(t, resp.Errors)
}

func TestPlayground(t *testing.T) {
	srv := NewGraphQLServer(&fakeStatus{}, fakeViewers{}, "/api/graphql")

	w := httptest.NewRecorder()
	srv.Playground().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/graphql", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "endpoint: '/api/graphql'")
}
