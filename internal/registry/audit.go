package registry

import (
	"github.com/pubvault/pubvault/pkg/types"
	"gorm.io/gorm"
)

// auditRecord builds an audit log record for a mutation. Every registry
// mutation writes one of these inside its transaction.
func auditRecord(kind, agentID, summary string, data types.JSONMap) *types.AuditLogRecord {
	return &types.AuditLogRecord{
		Kind:    kind,
		AgentID: agentID,
		Summary: summary,
		Data:    data,
	}
}

// writeAudit persists an audit record with its denormalized query arrays
func writeAudit(tx *gorm.DB, rec *types.AuditLogRecord, packages, versions, publishers, users []string) error {
	rec.Packages = packages
	rec.PackageVersions = versions
	rec.Publishers = publishers
	rec.Users = users
	return tx.Create(rec).Error
}
