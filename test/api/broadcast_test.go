//go:build integration

package api_test

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jobView struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	Channel         string `json:"channel"`
	TotalRecipients int    `json:"total_recipients"`
	ProcessedCount  int    `json:"processed_count"`
	SuccessCount    int    `json:"success_count"`
	FailedCount     int    `json:"failed_count"`
	BatchSize       int    `json:"batch_size"`
}

func createNotificationJob(t *testing.T) jobView {
	t.Helper()
	resp := makeRequest("POST", "/broadcasts", map[string]interface{}{
		"channel":          "notification",
		"target_all_users": true,
		"batch_size":       50,
		"batch_delay_ms":   0,
		"payload": map[string]interface{}{
			"en": map[string]string{
				"title":   "Integration check",
				"message": fmt.Sprintf("Sent at %s", time.Now().Format(time.RFC3339)),
			},
		},
	}, authToken)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Message)

	var job jobView
	require.NoError(t, resp.Decode(&job))
	require.NotEmpty(t, job.ID)
	return job
}

func waitForTerminal(t *testing.T, id string) jobView {
	t.Helper()
	var job jobView
	require.Eventually(t, func() bool {
		resp := makeRequest("GET", "/broadcasts/"+id, nil, authToken)
		if !resp.IsSuccess() || resp.Decode(&job) != nil {
			return false
		}
		return job.Status == "completed" || job.Status == "failed" || job.Status == "cancelled"
	}, 60*time.Second, 250*time.Millisecond)
	return job
}

func TestRequiresAdminToken(t *testing.T) {
	resp := makeRequest("GET", "/broadcasts", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = makeRequest("GET", "/broadcasts", nil, "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestCreateJobValidation(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"unknown channel": {"channel": "sms", "target_all_users": true, "payload": map[string]interface{}{"en": map[string]string{"title": "x", "message": "y"}}},
		"no targeting":    {"channel": "notification", "payload": map[string]interface{}{"en": map[string]string{"title": "x", "message": "y"}}},
		"empty payload":   {"channel": "email", "target_all_users": true, "payload": map[string]interface{}{}},
		"unknown plan":    {"channel": "email", "target_plans": []string{"no-such-plan-exists"}, "payload": map[string]interface{}{"en": map[string]string{"subject": "x", "body": "y"}}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := makeRequest("POST", "/broadcasts", body, authToken)
			assert.Equal(t, http.StatusBadRequest, resp.Code, resp.Message)
			assert.Equal(t, "error", resp.Status)
		})
	}
}

func TestBroadcastLifecycle(t *testing.T) {
	created := createNotificationJob(t)
	assert.Equal(t, "notification", created.Channel)
	assert.Equal(t, 50, created.BatchSize)

	job := waitForTerminal(t, created.ID)
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, job.TotalRecipients, job.ProcessedCount)
	assert.Equal(t, job.ProcessedCount, job.SuccessCount+job.FailedCount)

	// Progress mirrors the job counters.
	resp := makeRequest("GET", "/broadcasts/"+created.ID+"/progress", nil, authToken)
	require.True(t, resp.IsSuccess(), resp.Message)
	var progress struct {
		Status          string `json:"status"`
		ProcessedCount  int    `json:"processed_count"`
		TotalRecipients int    `json:"total_recipients"`
	}
	require.NoError(t, resp.Decode(&progress))
	assert.Equal(t, "completed", progress.Status)
	assert.Equal(t, job.ProcessedCount, progress.ProcessedCount)

	// Every ledger row is accounted for.
	resp = makeRequest("GET", "/broadcasts/"+created.ID+"/recipients?page_size=500", nil, authToken)
	require.True(t, resp.IsSuccess(), resp.Message)
	require.NotNil(t, resp.Meta)
	assert.Equal(t, job.TotalRecipients, resp.Meta.Total)

	// A finished job is left alone by trigger, cancel and an empty reprocess.
	resp = makeRequest("POST", "/broadcasts/"+created.ID+"/trigger", nil, authToken)
	assert.Equal(t, http.StatusOK, resp.Code, resp.Message)

	resp = makeRequest("POST", "/broadcasts/"+created.ID+"/cancel", nil, authToken)
	assert.Equal(t, http.StatusConflict, resp.Code, resp.Message)

	if job.FailedCount == 0 {
		resp = makeRequest("POST", "/broadcasts/"+created.ID+"/reprocess", nil, authToken)
		assert.Equal(t, http.StatusOK, resp.Code, resp.Message)
	}

	resp = makeRequest("GET", "/broadcasts/"+created.ID+"/audit", nil, authToken)
	require.True(t, resp.IsSuccess(), resp.Message)
	var entries []map[string]interface{}
	require.NoError(t, resp.Decode(&entries))
	assert.NotEmpty(t, entries)
}

func TestUnknownJobIsNotFound(t *testing.T) {
	resp := makeRequest("GET", "/broadcasts/00000000-0000-0000-0000-000000000001", nil, authToken)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = makeRequest("POST", "/broadcasts/00000000-0000-0000-0000-000000000001/reprocess", nil, authToken)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
