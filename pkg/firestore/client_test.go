package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/config"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
	"github.com/ekaya-inc/ekaya-predict/pkg/retry"
)

const docsPath = "/projects/proj/databases/(default)/documents"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.FirestoreConfig{
		ProjectID: "proj",
		APIKey:    "secret-key",
		BaseURL:   srv.URL + "/v1",
	}, zap.NewNop())
}

func TestBuildURL(t *testing.T) {
	got, err := buildURL("https://firestore.googleapis.com/v1", "projects", "p", "documents", "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "https://firestore.googleapis.com/v1/projects/p/documents/users/u1", got)

	_, err = buildURL("://bad", "x")
	assert.Error(t, err)
}

func TestGet_DecodesDocument(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1"+docsPath+"/users/u1", r.URL.Path)
		assert.Equal(t, "secret-key", r.URL.Query().Get("key"))
		_, _ = io.WriteString(w, `{
			"name": "projects/proj/databases/(default)/documents/users/u1",
			"fields": {
				"searches": {"integerValue": "7"},
				"uploads": {"integerValue": 2},
				"last_activity": {"stringValue": "2024-03-01T10:00:00.123456"}
			}
		}`)
	})

	a, err := c.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", a.UserID)
	assert.Equal(t, 7, a.SearchCount)
	assert.Equal(t, 2, a.UploadCount)
	require.NotNil(t, a.LastActivity)
	assert.Equal(t, 2024, a.LastActivity.Year())
}

func TestGet_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":404}}`, http.StatusNotFound)
	})

	_, err := c.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGet_RejectsPathLikeIDs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	for _, id := range []string{"", "a/b", "..", "x?y"} {
		_, err := c.Get(context.Background(), id)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput, "id %q", id)
	}
}

func TestSet_PatchesWithUpdateMask(t *testing.T) {
	var body document
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.ElementsMatch(t, []string{"searches", "uploads", "last_activity"}, r.URL.Query()["updateMask.fieldPaths"])
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = io.WriteString(w, `{}`)
	})

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	err := c.Set(context.Background(), &models.UserActivity{UserID: "u1", SearchCount: 3, UploadCount: 1, LastActivity: &at})
	require.NoError(t, err)

	n, err := body.integer("searches")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "2024-05-01T12:00:00Z", body.str("last_activity"))
}

func TestSet_CreatesOnNotFound(t *testing.T) {
	var calls []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPatch {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "u9", r.URL.Query().Get("documentId"))
		_, _ = io.WriteString(w, `{}`)
	})

	err := c.Set(context.Background(), &models.UserActivity{UserID: "u9", SearchCount: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"PATCH /v1" + docsPath + "/users/u9",
		"POST /v1" + docsPath + "/users",
	}, calls)
}

func TestSet_ServerErrorIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := c.Set(context.Background(), &models.UserActivity{UserID: "u1"})
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.True(t, retry.IsRetryable(err))
}

func TestStatusError_ClientErrorsAreNotRetryable(t *testing.T) {
	assert.False(t, (&StatusError{StatusCode: http.StatusBadRequest}).IsRetryable())
	assert.False(t, (&StatusError{StatusCode: http.StatusForbidden}).IsRetryable())
	assert.True(t, (&StatusError{StatusCode: http.StatusTooManyRequests}).IsRetryable())
}

func TestAppend_AssignsIDAndTimestamp(t *testing.T) {
	var docID string
	var body document
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1"+docsPath+"/predictionFiles", r.URL.Path)
		docID = r.URL.Query().Get("documentId")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = io.WriteString(w, `{}`)
	})

	f := &models.PredictionFile{UserID: "u1", Filename: "predictions_20240101_000000.csv", RowCount: 10, ColumnCount: 5, UploadNumber: 2}
	require.NoError(t, c.Append(context.Background(), f))

	assert.NotEqual(t, uuid.Nil, f.ID)
	assert.False(t, f.CreatedAt.IsZero())
	assert.Equal(t, f.ID.String(), docID)
	assert.Equal(t, "u1", body.str("user_id"))
	rows, err := body.integer("rows")
	require.NoError(t, err)
	assert.Equal(t, 10, rows)
}

func TestListByUser(t *testing.T) {
	id := uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/documents:runQuery"), r.URL.Path)

		var req struct {
			StructuredQuery structuredQuery `json:"structuredQuery"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		q := req.StructuredQuery
		assert.Equal(t, "predictionFiles", q.From[0].CollectionID)
		assert.Equal(t, "user_id", q.Where.FieldFilter.Field.FieldPath)
		if assert.NotNil(t, q.Where.FieldFilter.Value.StringValue) {
			assert.Equal(t, "u1", *q.Where.FieldFilter.Value.StringValue)
		}
		assert.Equal(t, "DESCENDING", q.OrderBy[0].Direction)

		_, _ = io.WriteString(w, `[
			{"document": {
				"name": "projects/proj/databases/(default)/documents/predictionFiles/`+id.String()+`",
				"fields": {
					"user_id": {"stringValue": "u1"},
					"filename": {"stringValue": "a.csv"},
					"timestamp": {"timestampValue": "2024-02-02T08:00:00Z"},
					"rows": {"integerValue": "4"},
					"columns": {"integerValue": "3"},
					"upload_number": {"integerValue": "1"}
				}
			}, "readTime": "2024-02-02T09:00:00Z"}
		]`)
	})

	files, err := c.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, id, files[0].ID)
	assert.Equal(t, "a.csv", files[0].Filename)
	assert.Equal(t, 4, files[0].RowCount)
	assert.Equal(t, 3, files[0].ColumnCount)
	assert.Equal(t, time.Date(2024, 2, 2, 8, 0, 0, 0, time.UTC), files[0].CreatedAt)
}

func TestListByUser_NoMatches(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"readTime": "2024-02-02T09:00:00Z"}]`)
	})

	files, err := c.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestErrorsDoNotLeakAPIKey(t *testing.T) {
	c := NewClient(config.FirestoreConfig{
		ProjectID: "proj",
		APIKey:    "secret-key",
		BaseURL:   "http://127.0.0.1:1",
	}, zap.NewNop())

	_, err := c.Get(context.Background(), "u1")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-key")
}
