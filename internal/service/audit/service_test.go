package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/internal/repository/memory"
)

func TestLogAndListForEntity(t *testing.T) {
	svc := NewService(memory.NewAuditRepository())
	ctx := context.Background()
	jobID := uuid.New()
	actor := model.Actor{ID: uuid.New(), IPAddress: "10.0.0.1", UserAgent: "curl"}

	require.NoError(t, svc.Log(ctx, actor, model.AuditActionCreate, model.AuditEntityBroadcastJob, jobID, &LogOptions{
		Changes: map[string]interface{}{"channel": "email"},
	}))
	require.NoError(t, svc.Log(ctx, model.Actor{}, model.AuditActionTrigger, model.AuditEntityBroadcastJob, jobID, nil))
	require.NoError(t, svc.Log(ctx, actor, model.AuditActionCreate, model.AuditEntityBroadcastJob, uuid.New(), nil))

	logs, err := svc.ForEntity(ctx, model.AuditEntityBroadcastJob, jobID, model.Pagination{})
	require.NoError(t, err)
	require.Len(t, logs, 2)

	var created *model.AuditLog
	for _, l := range logs {
		if l.Action == model.AuditActionCreate {
			created = l
		}
	}
	require.NotNil(t, created)
	require.NotNil(t, created.UserID)
	assert.Equal(t, actor.ID, *created.UserID)
	assert.Equal(t, "10.0.0.1", created.IPAddress)

	var changes map[string]string
	require.NoError(t, json.Unmarshal(created.Changes, &changes))
	assert.Equal(t, "email", changes["channel"])
}
