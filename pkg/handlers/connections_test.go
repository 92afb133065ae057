package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/apperrors"
	"github.com/relaydesk-inc/followup-engine/pkg/connectors"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
	"github.com/relaydesk-inc/followup-engine/pkg/services"
)

type mockConnectionService struct {
	conns      map[uuid.UUID]*models.Connection
	createErr  error
	testResult connectors.TestResult
}

func (m *mockConnectionService) Create(_ context.Context, businessID uuid.UUID, input services.ConnectionInput) (*models.Connection, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	conn := &models.Connection{ID: uuid.New(), BusinessID: businessID, Name: input.Name, Type: input.Type}
	m.conns[conn.ID] = conn
	return conn, nil
}

func (m *mockConnectionService) Get(_ context.Context, _, id uuid.UUID) (*models.Connection, error) {
	conn, ok := m.conns[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return conn, nil
}

func (m *mockConnectionService) List(_ context.Context, _ uuid.UUID) ([]*models.Connection, error) {
	var out []*models.Connection
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out, nil
}

func (m *mockConnectionService) Update(_ context.Context, _, id uuid.UUID, _ services.ConnectionInput) (*models.Connection, error) {
	conn, ok := m.conns[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return conn, nil
}

func (m *mockConnectionService) Delete(_ context.Context, _, id uuid.UUID) error {
	if _, ok := m.conns[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.conns, id)
	return nil
}

func (m *mockConnectionService) Test(_ context.Context, _, id uuid.UUID) (connectors.TestResult, error) {
	if _, ok := m.conns[id]; !ok {
		return connectors.TestResult{}, apperrors.ErrNotFound
	}
	return m.testResult, nil
}

func (m *mockConnectionService) ListDrivers() []connectors.DriverInfo {
	return []connectors.DriverInfo{
		{Type: models.ConnectionTypePostgres, DisplayName: "PostgreSQL"},
		{Type: models.ConnectionTypeSQLite, DisplayName: "SQLite"},
	}
}

func newConnectionsHandlerForTest() (*ConnectionsHandler, *mockConnectionService) {
	svc := &mockConnectionService{
		conns:      make(map[uuid.UUID]*models.Connection),
		testResult: connectors.TestResult{Success: true},
	}
	return NewConnectionsHandler(svc, zap.NewNop()), svc
}

func connRequest(method, target, body string, businessID uuid.UUID, connID string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.SetPathValue("bid", businessID.String())
	if connID != "" {
		req.SetPathValue("id", connID)
	}
	return req
}

func TestConnectionsHandler_Create(t *testing.T) {
	businessID := uuid.New()

	t.Run("created", func(t *testing.T) {
		handler, _ := newConnectionsHandlerForTest()
		rec := httptest.NewRecorder()
		handler.Create(rec, connRequest(http.MethodPost, "/",
			`{"name":"crm","type":"POSTGRESQL","host":"db","database":"crm"}`, businessID, ""))

		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("duplicate name maps to conflict", func(t *testing.T) {
		handler, svc := newConnectionsHandlerForTest()
		svc.createErr = apperrors.ErrConflict
		rec := httptest.NewRecorder()
		handler.Create(rec, connRequest(http.MethodPost, "/", `{"name":"crm"}`, businessID, ""))

		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		handler, _ := newConnectionsHandlerForTest()
		rec := httptest.NewRecorder()
		handler.Create(rec, connRequest(http.MethodPost, "/", `{`, businessID, ""))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("validation error maps to 400", func(t *testing.T) {
		handler, svc := newConnectionsHandlerForTest()
		svc.createErr = fmt.Errorf("%w: connection host is required", apperrors.ErrValidation)
		rec := httptest.NewRecorder()
		handler.Create(rec, connRequest(http.MethodPost, "/", `{"name":"crm"}`, businessID, ""))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeEnvelope(t, rec)
		assert.Equal(t, "invalid_request", body["error"])
	})

	t.Run("infrastructure failure maps to 500 without detail", func(t *testing.T) {
		handler, svc := newConnectionsHandlerForTest()
		svc.createErr = errors.New("encrypt credentials: cipher: key rotation in progress")
		rec := httptest.NewRecorder()
		handler.Create(rec, connRequest(http.MethodPost, "/",
			`{"name":"crm","type":"POSTGRESQL","host":"db","database":"crm"}`, businessID, ""))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		raw := rec.Body.String()
		assert.NotContains(t, raw, "cipher")
		body := decodeEnvelope(t, rec)
		assert.Equal(t, "internal_error", body["error"])
	})
}

func TestConnectionsHandler_Test(t *testing.T) {
	businessID := uuid.New()
	handler, svc := newConnectionsHandlerForTest()
	conn := &models.Connection{ID: uuid.New(), BusinessID: businessID}
	svc.conns[conn.ID] = conn

	t.Run("reports probe result", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.Test(rec, connRequest(http.MethodPost, "/", "", businessID, conn.ID.String()))

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decodeEnvelope(t, rec)
		data, ok := body["data"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, data["success"])
	})

	t.Run("unknown connection maps to 404", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.Test(rec, connRequest(http.MethodPost, "/", "", businessID, uuid.NewString()))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestConnectionsHandler_ListDrivers(t *testing.T) {
	handler, _ := newConnectionsHandlerForTest()
	rec := httptest.NewRecorder()
	handler.ListDrivers(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeEnvelope(t, rec)
	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	drivers, ok := data["drivers"].([]any)
	require.True(t, ok)
	assert.Len(t, drivers, 2)
}

func TestConnectionsHandler_Delete(t *testing.T) {
	businessID := uuid.New()
	handler, svc := newConnectionsHandlerForTest()
	conn := &models.Connection{ID: uuid.New(), BusinessID: businessID}
	svc.conns[conn.ID] = conn

	rec := httptest.NewRecorder()
	handler.Delete(rec, connRequest(http.MethodDelete, "/", "", businessID, conn.ID.String()))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, svc.conns, conn.ID)
}
