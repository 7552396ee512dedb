package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pubvault/pubvault/pkg/types"
	"github.com/pubvault/pubvault/pkg/utils"
)

// Policy expiry for signed uploads
const maxPolicyLifetime = 10 * time.Minute

// UploadPolicy is the signed condition set embedded in a POST form.
// The upload endpoint rejects any POST whose policy signature, key,
// expiry or size cap does not hold.
type UploadPolicy struct {
	Key                   string    `json:"key"`
	SuccessActionRedirect string    `json:"success_action_redirect"`
	MaxContentLength      int64     `json:"max_content_length"`
	Expiration            time.Time `json:"expiration"`
}

// UploadSigner produces short-lived signed POST policies targeting the
// incoming bucket. Each policy stages at most one upload: ConsumePolicy
// remembers accepted keys until the policy would have expired anyway.
type UploadSigner struct {
	secret    string
	uploadURL string // absolute endpoint accepting the POST
	maxSize   int64

	mu   sync.Mutex
	used map[string]time.Time // consumed policy key -> policy expiry
}

// NewUploadSigner creates an upload signer
func NewUploadSigner(secret, uploadURL string, maxSize int64) *UploadSigner {
	return &UploadSigner{
		secret:    secret,
		uploadURL: uploadURL,
		maxSize:   maxSize,
		used:      make(map[string]time.Time),
	}
}

// SignedUpload builds a single-use signed POST for a fresh upload id.
// The success redirect gets upload_id appended so the client can finalize.
func (s *UploadSigner) SignedUpload(redirectURL string) (*types.UploadInfo, string, error) {
	uploadID := uuid.NewString()

	redirect := redirectURL
	if redirect != "" {
		sep := "?"
		for _, r := range redirect {
			if r == '?' {
				sep = "&"
				break
			}
		}
		redirect = redirect + sep + "upload_id=" + uploadID
	}

	policy := UploadPolicy{
		Key:                   IncomingObjectKey(uploadID),
		SuccessActionRedirect: redirect,
		MaxContentLength:      s.maxSize,
		Expiration:            time.Now().Add(maxPolicyLifetime).UTC(),
	}

	encoded, err := encodePolicy(&policy)
	if err != nil {
		return nil, "", err
	}

	info := &types.UploadInfo{
		URL: s.uploadURL,
		Fields: map[string]string{
			"key":                     policy.Key,
			"success_action_redirect": policy.SuccessActionRedirect,
			"policy":                  encoded,
			"x-signature":             utils.SignHMAC(encoded, s.secret),
		},
	}

	return info, uploadID, nil
}

// VerifyPolicy checks a presented policy and signature. Returns the decoded
// policy when the signature matches, the key targets the incoming prefix
// and the policy has not expired.
func (s *UploadSigner) VerifyPolicy(encoded, signature string) (*UploadPolicy, error) {
	if !utils.VerifyHMAC(encoded, signature, s.secret) {
		return nil, fmt.Errorf("invalid upload policy signature")
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed upload policy: %w", err)
	}

	var policy UploadPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return nil, fmt.Errorf("malformed upload policy: %w", err)
	}

	if time.Now().After(policy.Expiration) {
		return nil, fmt.Errorf("upload policy expired")
	}
	if len(policy.Key) <= len("tmp/") || policy.Key[:len("tmp/")] != "tmp/" {
		return nil, fmt.Errorf("upload policy key outside staging prefix")
	}

	return &policy, nil
}

// ConsumePolicy verifies a presented policy and marks its key consumed.
// A second POST carrying the same policy is rejected, so a leaked or
// replayed form cannot re-stage over the upload key.
func (s *UploadSigner) ConsumePolicy(encoded, signature string) (*UploadPolicy, error) {
	policy, err := s.VerifyPolicy(encoded, signature)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, expiry := range s.used {
		if now.After(expiry) {
			delete(s.used, key)
		}
	}

	if _, seen := s.used[policy.Key]; seen {
		return nil, fmt.Errorf("upload policy has already been used")
	}
	s.used[policy.Key] = policy.Expiration

	return policy, nil
}

func encodePolicy(policy *UploadPolicy) (string, error) {
	raw, err := json.Marshal(policy)
	if err != nil {
		return "", fmt.Errorf("failed to encode upload policy: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
