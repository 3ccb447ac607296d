package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/changeset-api/internal/dto"
	"github.com/noah-isme/changeset-api/internal/entity"
	"github.com/noah-isme/changeset-api/internal/handler"
	"github.com/noah-isme/changeset-api/internal/middleware"
	"github.com/noah-isme/changeset-api/internal/models"
	"github.com/noah-isme/changeset-api/internal/service"
)

type mockChangeService struct {
	service.ChangeService

	createReq   dto.CreateChangeSetRequest
	processReq  dto.ProcessChangeRequest
	approveReq  dto.ApproveChangeRequest
	rejectReq   dto.RejectChangeRequest
	historyReq  dto.ChangeHistoryRequest
	changeSet   models.ChangeSet
	processResp dto.ProcessChangeResponse
	err         error
}

func (m *mockChangeService) CreateChangeSet(_ context.Context, req dto.CreateChangeSetRequest) (models.ChangeSet, error) {
	m.createReq = req
	return m.changeSet, m.err
}

func (m *mockChangeService) ProcessChange(_ context.Context, req dto.ProcessChangeRequest) (dto.ProcessChangeResponse, error) {
	m.processReq = req
	return m.processResp, m.err
}

func (m *mockChangeService) GetChangeSet(_ context.Context, _, _ string) (models.ChangeSet, error) {
	return m.changeSet, m.err
}

func (m *mockChangeService) ApproveChange(_ context.Context, req dto.ApproveChangeRequest) (models.ChangeSet, error) {
	m.approveReq = req
	return m.changeSet, m.err
}

func (m *mockChangeService) RejectChange(_ context.Context, req dto.RejectChangeRequest) (models.ChangeSet, error) {
	m.rejectReq = req
	return m.changeSet, m.err
}

func (m *mockChangeService) CommitChange(_ context.Context, _, _ string) (models.ChangeSet, error) {
	return m.changeSet, m.err
}

func (m *mockChangeService) GetChangeHistory(_ context.Context, req dto.ChangeHistoryRequest) (dto.Page[dto.ChangeHistoryEntry], error) {
	m.historyReq = req
	return dto.Page[dto.ChangeHistoryEntry]{Limit: req.Limit, Offset: req.Offset}, m.err
}

type responseEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func withIdentity(user, tenant, role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals(middleware.LocalUserID, user)
		c.Locals(middleware.LocalTenantID, tenant)
		if role != "" {
			c.Locals(middleware.LocalUserRole, role)
		}
		return c.Next()
	}
}

func newChangeApp(svc service.ChangeService, role string) *fiber.App {
	logger := zerolog.New(io.Discard)
	app := fiber.New()
	app.Use(withIdentity("alice", "t1", role))
	h := handler.NewChangeHandler(svc, logger)
	h.Register(app.Group("/api/v1/changes"))
	h.RegisterConflicts(app.Group("/api/v1/conflicts"))
	handler.NewEntityHandler(svc, logger).Register(app.Group("/api/v1/entities"))
	return app
}

func jsonRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	return req
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, json.Unmarshal(body, target))
}

func TestChangeHandler_CreateBindsIdentity(t *testing.T) {
	svc := &mockChangeService{changeSet: models.ChangeSet{ID: "cs-1", Status: models.ChangeStatusPending}}
	app := newChangeApp(svc, "")

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/api/v1/changes", map[string]interface{}{
		"entity_type": "product",
		"entity_id":   "42",
		"changes":     map[string]interface{}{"price": 12.5},
		"user_id":     "mallory",
	}))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var body responseEnvelope
	decodeResponse(t, resp, &body)
	require.True(t, body.Success)
	require.Equal(t, "alice", svc.createReq.UserID)
	require.Equal(t, "t1", svc.createReq.TenantID)
	require.Equal(t, 12.5, svc.createReq.Changes["price"])
}

func TestChangeHandler_InvalidBody(t *testing.T) {
	app := newChangeApp(&mockChangeService{}, "")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/changes", bytes.NewBufferString("{"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestChangeHandler_ProcessMapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"conflict", &service.ConflictError{
			Conflicts: []models.ChangeConflict{{ID: "c-1", ConflictType: models.ConflictTypeStaleData}},
			Current:   map[string]interface{}{"price": 10},
			Incoming:  map[string]interface{}{"price": 12},
		}, fiber.StatusConflict},
		{"validation", &service.ValidationError{Errors: []entity.FieldError{{Field: "price", Message: "must be positive"}}}, fiber.StatusUnprocessableEntity},
		{"unknown type", service.ErrUnknownEntityType, fiber.StatusBadRequest},
		{"not found", service.ErrNotFound, fiber.StatusNotFound},
		{"invalid state", service.ErrInvalidState, fiber.StatusBadRequest},
		{"internal", errors.New("db down"), fiber.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newChangeApp(&mockChangeService{err: tc.err}, "")
			resp, err := app.Test(jsonRequest(t, http.MethodPost, "/api/v1/changes/process", map[string]interface{}{
				"entity_type": "product",
				"entity_id":   "42",
				"changes":     map[string]interface{}{"price": 12},
			}))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			var body responseEnvelope
			decodeResponse(t, resp, &body)
			require.False(t, body.Success)
			if tc.status == fiber.StatusConflict {
				var payload struct {
					Conflicts []models.ChangeConflict `json:"conflicts"`
					Current   map[string]interface{}  `json:"current"`
				}
				require.NoError(t, json.Unmarshal(body.Data, &payload))
				require.Len(t, payload.Conflicts, 1)
				require.Equal(t, models.ConflictTypeStaleData, payload.Conflicts[0].ConflictType)
				require.EqualValues(t, 10, payload.Current["price"])
			}
			if tc.status == fiber.StatusUnprocessableEntity {
				var payload struct {
					Errors []entity.FieldError `json:"errors"`
				}
				require.NoError(t, json.Unmarshal(body.Data, &payload))
				require.Equal(t, "price", payload.Errors[0].Field)
			}
		})
	}
}

func TestChangeHandler_ProcessChangeSetUsesStoredChanges(t *testing.T) {
	svc := &mockChangeService{
		changeSet: models.ChangeSet{
			ID:         "cs-1",
			EntityType: "product",
			EntityID:   "42",
			Changes:    map[string]interface{}{"price": 15},
		},
		processResp: dto.ProcessChangeResponse{Success: true, Data: map[string]interface{}{"price": 15}},
	}
	app := newChangeApp(svc, "")

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/changes/cs-1/process", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "cs-1", svc.processReq.ChangeSetID)
	require.Equal(t, "product", svc.processReq.EntityType)
	require.EqualValues(t, 15, svc.processReq.Changes["price"])
	require.Equal(t, "alice", svc.processReq.UserID)
}

func TestChangeHandler_ApproveRequiresReviewerRole(t *testing.T) {
	svc := &mockChangeService{changeSet: models.ChangeSet{ID: "cs-1", Status: models.ChangeStatusApproved}}

	resp, err := newChangeApp(svc, "editor").Test(jsonRequest(t, http.MethodPost, "/api/v1/changes/cs-1/approve", map[string]interface{}{"apply_immediately": true}))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, err = newChangeApp(svc, "reviewer").Test(jsonRequest(t, http.MethodPost, "/api/v1/changes/cs-1/approve", map[string]interface{}{"apply_immediately": true}))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "cs-1", svc.approveReq.ChangeSetID)
	require.Equal(t, "alice", svc.approveReq.ApprovedBy)
	require.True(t, svc.approveReq.ApplyImmediately)
}

func TestChangeHandler_RejectWithoutBody(t *testing.T) {
	svc := &mockChangeService{changeSet: models.ChangeSet{ID: "cs-1", Status: models.ChangeStatusRejected}}

	resp, err := newChangeApp(svc, "reviewer").Test(jsonRequest(t, http.MethodPost, "/api/v1/changes/cs-1/reject", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "cs-1", svc.rejectReq.ChangeSetID)
	require.Equal(t, "alice", svc.rejectReq.RejectedBy)
	require.Empty(t, svc.rejectReq.Reason)

	var envelope responseEnvelope
	decodeResponse(t, resp, &envelope)
	var changeSet models.ChangeSet
	require.NoError(t, json.Unmarshal(envelope.Data, &changeSet))
	require.Equal(t, models.ChangeStatusRejected, changeSet.Status)
}

func TestEntityHandler_HistoryQuery(t *testing.T) {
	svc := &mockChangeService{}
	app := newChangeApp(svc, "")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/entities/product/42/history?limit=5&offset=10&include_rollbacks=true", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, dto.ChangeHistoryRequest{
		TenantID:         "t1",
		EntityType:       "product",
		EntityID:         "42",
		Limit:            5,
		Offset:           10,
		IncludeRollbacks: true,
	}, svc.historyReq)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/entities/product/42/history?limit=oops", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

type mockAuditService struct {
	service.AuditService

	dailyUser string
	dailyDay  time.Time
	cleanup   int
}

func (m *mockAuditService) GetDailyActivityCount(_ context.Context, _, userID string, day time.Time) (int64, error) {
	m.dailyUser = userID
	m.dailyDay = day
	return 4, nil
}

func (m *mockAuditService) CleanupOldLogs(_ context.Context, days int) (dto.CleanupResult, error) {
	m.cleanup = days
	return dto.CleanupResult{AuditLogsDeleted: 2}, nil
}

func newAuditApp(svc service.AuditService, role string) *fiber.App {
	app := fiber.New()
	app.Use(withIdentity("alice", "t1", role))
	handler.NewAuditHandler(svc, zerolog.New(io.Discard)).Register(app.Group("/api/v1/audit"))
	return app
}

func TestAuditHandler_DailyDefaultsToCaller(t *testing.T) {
	svc := &mockAuditService{}
	app := newAuditApp(svc, "")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/audit/activity/daily?day=2026-03-14", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "alice", svc.dailyUser)
	require.Equal(t, "2026-03-14", svc.dailyDay.Format("2006-01-02"))

	var body struct {
		Data struct {
			Total int64 `json:"total"`
		} `json:"data"`
	}
	decodeResponse(t, resp, &body)
	require.EqualValues(t, 4, body.Data.Total)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/audit/activity/daily?day=14-03-2026", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAuditHandler_CleanupRequiresAdmin(t *testing.T) {
	svc := &mockAuditService{}

	resp, err := newAuditApp(svc, "reviewer").Test(jsonRequest(t, http.MethodPost, "/api/v1/audit/cleanup", map[string]int{"retention_days": 30}))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, err = newAuditApp(svc, "admin").Test(jsonRequest(t, http.MethodPost, "/api/v1/audit/cleanup", map[string]int{"retention_days": 0}))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = newAuditApp(svc, "admin").Test(jsonRequest(t, http.MethodPost, "/api/v1/audit/cleanup", map[string]int{"retention_days": 30}))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, 30, svc.cleanup)
}
