package registry

import (
	"time"

	"github.com/pubvault/pubvault/pkg/types"
	"gorm.io/gorm"
)

// Background task names carried in job outbox messages
const (
	TaskAnalyze        = "analyze"
	TaskGenerateDocs   = "generate-docs"
	TaskPromoteArchive = "promote-archive"
)

// How long an undelivered outbox intent stays eligible for retry
const outboxRetention = 7 * 24 * time.Hour

// enqueueJob appends a job intent to the outbox inside the current
// transaction. The outbox worker delivers it at-least-once after commit.
func enqueueJob(tx *gorm.DB, task, pkg, version string, highPriority bool) (*types.OutboxMessage, error) {
	msg := &types.OutboxMessage{
		Kind: types.OutboxJob,
		Payload: types.JSONMap{
			"task":          task,
			"package":       pkg,
			"version":       version,
			"high_priority": highPriority,
		},
		NextAttemptAt: time.Now(),
		ExpiresAt:     time.Now().Add(outboxRetention),
	}
	if err := tx.Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

// enqueueEmail appends an email intent to the outbox inside the current
// transaction.
func enqueueEmail(tx *gorm.DB, to, subject, body string) (*types.OutboxMessage, error) {
	msg := &types.OutboxMessage{
		Kind: types.OutboxEmail,
		Payload: types.JSONMap{
			"to":      to,
			"subject": subject,
			"body":    body,
		},
		NextAttemptAt: time.Now(),
		ExpiresAt:     time.Now().Add(outboxRetention),
	}
	if err := tx.Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

// enqueuePublishJobs writes the analysis and documentation intents for a
// freshly published version, the documentation refresh for a displaced
// previous latest, and the deprioritization of a displaced prerelease.
func enqueuePublishJobs(tx *gorm.DB, pkg, version, prevLatest, prevPrerelease, newLatest, newPrerelease string) ([]*types.OutboxMessage, error) {
	var msgs []*types.OutboxMessage

	add := func(task, v string, high bool) error {
		m, err := enqueueJob(tx, task, pkg, v, high)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
		return nil
	}

	if err := add(TaskAnalyze, version, true); err != nil {
		return nil, err
	}
	if err := add(TaskGenerateDocs, version, true); err != nil {
		return nil, err
	}

	// A displaced previous latest needs its canonical links regenerated.
	if prevLatest != "" && prevLatest != newLatest {
		if err := add(TaskGenerateDocs, prevLatest, false); err != nil {
			return nil, err
		}
	}
	if prevPrerelease != "" && prevPrerelease != newPrerelease && prevPrerelease != prevLatest {
		if err := add(TaskAnalyze, prevPrerelease, false); err != nil {
			return nil, err
		}
	}

	return msgs, nil
}
