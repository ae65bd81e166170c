package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/reefmind/posepair/internal/errors"
	"github.com/reefmind/posepair/internal/middleware"
	"github.com/reefmind/posepair/internal/model"
	"github.com/reefmind/posepair/internal/session"
)

type mockController struct {
	mock.Mock
}

func (m *mockController) Snapshot() session.Snapshot {
	return m.Called().Get(0).(session.Snapshot)
}

func (m *mockController) Request(ctx context.Context, targetID string) error {
	return m.Called(targetID).Error(0)
}

func (m *mockController) Accept(ctx context.Context) error  { return m.Called().Error(0) }
func (m *mockController) Decline(ctx context.Context) error { return m.Called().Error(0) }
func (m *mockController) Cancel(ctx context.Context) error  { return m.Called().Error(0) }
func (m *mockController) End(ctx context.Context) error     { return m.Called().Error(0) }
func (m *mockController) Resync(ctx context.Context) error  { return m.Called().Error(0) }

func (m *mockController) SetPose(ctx context.Context, pose string) error {
	return m.Called(pose).Error(0)
}

func (m *mockController) ReconnectAnalysis(ctx context.Context) error {
	return m.Called().Error(0)
}

type mockInvites struct {
	mock.Mock
}

func (m *mockInvites) ListInvites(ctx context.Context, userID string) ([]model.Notification, error) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Notification), args.Error(1)
}

func serve(h *SessionHandler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(context.WithValue(req.Context(), middleware.UserIDContextKey, "user-a"))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) apperrors.ErrorCode {
	t.Helper()
	var body struct {
		Code apperrors.ErrorCode `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func TestSessionHandler_GetSession(t *testing.T) {
	ctrl := new(mockController)
	ctrl.On("Snapshot").Return(session.Snapshot{State: model.SessionStateActive, RoomID: "room-1", Role: "host"})

	rec := serve(NewSessionHandler(ctrl, nil, "user-a", nil), http.MethodGet, "/", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, model.SessionStateActive, snap.State)
	assert.Equal(t, "room-1", snap.RoomID)
}

func TestSessionHandler_Request(t *testing.T) {
	t.Run("sends request", func(t *testing.T) {
		ctrl := new(mockController)
		ctrl.On("Request", "user-b").Return(nil)
		ctrl.On("Snapshot").Return(session.Snapshot{State: model.SessionStateAwaitingAccept})

		rec := serve(NewSessionHandler(ctrl, nil, "user-a", nil), http.MethodPost, "/request", `{"targetId":"user-b"}`)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		ctrl.AssertExpectations(t)
	})

	t.Run("rejects missing target", func(t *testing.T) {
		ctrl := new(mockController)

		rec := serve(NewSessionHandler(ctrl, nil, "user-a", nil), http.MethodPost, "/request", `{}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.ErrCodeMissingRequired, errorCode(t, rec))
		ctrl.AssertNotCalled(t, "Request", mock.Anything)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		rec := serve(NewSessionHandler(new(mockController), nil, "user-a", nil), http.MethodPost, "/request", `{`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.ErrCodeValidation, errorCode(t, rec))
	})

	t.Run("maps busy target to conflict", func(t *testing.T) {
		ctrl := new(mockController)
		ctrl.On("Request", "user-b").Return(apperrors.AlreadyInRoom("user-b"))

		rec := serve(NewSessionHandler(ctrl, nil, "user-a", nil), http.MethodPost, "/request", `{"targetId":"user-b"}`)

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, apperrors.ErrCodeAlreadyInRoom, errorCode(t, rec))
		assert.Contains(t, rec.Body.String(), `"userId":"user-b"`)
	})

	t.Run("applies join limiter only to request route", func(t *testing.T) {
		ctrl := new(mockController)
		ctrl.On("Request", "user-b").Return(nil)
		ctrl.On("Snapshot").Return(session.Snapshot{})
		limiter := middleware.NewJoinRateLimitMiddleware(middleware.NewRateLimiter(), 1)
		h := NewSessionHandler(ctrl, nil, "user-a", limiter.Handler)

		assert.Equal(t, http.StatusAccepted, serve(h, http.MethodPost, "/request", `{"targetId":"user-b"}`).Code)
		assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodPost, "/request", `{"targetId":"user-b"}`).Code)
		assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/", "").Code)
	})
}

func TestSessionHandler_Actions(t *testing.T) {
	tests := []struct {
		path   string
		method string
	}{
		{"/accept", "Accept"},
		{"/decline", "Decline"},
		{"/cancel", "Cancel"},
		{"/end", "End"},
		{"/resync", "Resync"},
		{"/analysis/reconnect", "ReconnectAnalysis"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			ctrl := new(mockController)
			ctrl.On(tt.method).Return(nil)
			ctrl.On("Snapshot").Return(session.Snapshot{State: model.SessionStateIdle})

			rec := serve(NewSessionHandler(ctrl, nil, "user-a", nil), http.MethodPost, tt.path, "")

			assert.Equal(t, http.StatusOK, rec.Code)
			ctrl.AssertExpectations(t)
		})
	}

	t.Run("invalid state maps to conflict", func(t *testing.T) {
		ctrl := new(mockController)
		ctrl.On("End").Return(apperrors.InvalidState("end", model.SessionStateIdle))

		rec := serve(NewSessionHandler(ctrl, nil, "user-a", nil), http.MethodPost, "/end", "")

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, apperrors.ErrCodeInvalidState, errorCode(t, rec))
	})

	t.Run("analysis connection loss maps to unavailable", func(t *testing.T) {
		ctrl := new(mockController)
		ctrl.On("ReconnectAnalysis").Return(apperrors.ConnectionLost("analysis", nil))

		rec := serve(NewSessionHandler(ctrl, nil, "user-a", nil), http.MethodPost, "/analysis/reconnect", "")

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestSessionHandler_SetPose(t *testing.T) {
	t.Run("sets pose", func(t *testing.T) {
		ctrl := new(mockController)
		ctrl.On("SetPose", "warrior").Return(nil)
		ctrl.On("Snapshot").Return(session.Snapshot{Pose: "warrior"})

		rec := serve(NewSessionHandler(ctrl, nil, "user-a", nil), http.MethodPost, "/pose", `{"pose":"warrior"}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"pose":"warrior"`)
	})

	t.Run("joiner is forbidden", func(t *testing.T) {
		ctrl := new(mockController)
		ctrl.On("SetPose", "tree").Return(apperrors.Forbidden("Only the host can change the pose"))

		rec := serve(NewSessionHandler(ctrl, nil, "user-a", nil), http.MethodPost, "/pose", `{"pose":"tree"}`)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestSessionHandler_ListInvites(t *testing.T) {
	roomID := "room-1"
	invites := new(mockInvites)
	invites.On("ListInvites", "user-a").Return([]model.Notification{{
		ID:        "n-1",
		SenderID:  "user-b",
		RoomID:    &roomID,
		CreatedAt: time.Now(),
	}}, nil)

	rec := serve(NewSessionHandler(new(mockController), invites, "user-a", nil), http.MethodGet, "/invites", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []map[string]any `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "n-1", body.Items[0]["id"])
	assert.Equal(t, "room-1", body.Items[0]["roomId"])
	assert.Equal(t, "user-b", body.Items[0]["senderId"])
}

func TestSessionHandler_ListPoses(t *testing.T) {
	rec := serve(NewSessionHandler(new(mockController), nil, "user-a", nil), http.MethodGet, "/poses", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "warrior")
}
