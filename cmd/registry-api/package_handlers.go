package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pubvault/pubvault/internal/registry"
	"github.com/pubvault/pubvault/internal/storage"
	"github.com/pubvault/pubvault/pkg/types"
	"github.com/rs/zerolog/log"
)

// Cache lifetime advertised on archive downloads
const archiveCacheControl = "public, max-age=3600"

func handleListVersions(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := svc.ListVersionsGzip(c.Request.Context(), c.Param("name"))
		if err != nil {
			respondError(c, err)
			return
		}

		c.Header("Content-Type", "application/json")
		c.Header("Content-Encoding", "gzip")
		c.Data(http.StatusOK, "application/json", body)
	}
}

func handleLookupVersion(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := svc.LookupVersion(c.Request.Context(), c.Param("name"), c.Param("version"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func handleDownloadArchive(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, version, ok := parseArchiveName(c.Param("archive"))
		if !ok {
			respondError(c, registry.NotFound("unknown archive path"))
			return
		}

		reader, info, err := svc.OpenArchive(c.Request.Context(), name, version)
		if err != nil {
			respondError(c, err)
			return
		}
		defer reader.Close()

		c.Header("Cache-Control", archiveCacheControl)
		c.DataFromReader(http.StatusOK, info.Size, "application/octet-stream", reader, nil)
	}
}

// parseArchiveName splits "<name>-<version>.tar.gz". Package names never
// contain a hyphen, so the first one starts the version.
func parseArchiveName(archive string) (name, version string, ok bool) {
	base, found := strings.CutSuffix(archive, ".tar.gz")
	if !found {
		return "", "", false
	}
	name, version, found = strings.Cut(base, "-")
	if !found || name == "" || version == "" {
		return "", "", false
	}
	return name, version, true
}

func handleStartUpload(svc *registry.Service, finalizeURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, ok := requireAgent(c)
		if !ok {
			return
		}

		redirect := c.Query("redirect_url")
		if redirect == "" {
			redirect = finalizeURL
		}

		info, err := svc.StartUpload(c.Request.Context(), agent, redirect)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

// handleIncomingUpload accepts the signed POST built by startUpload. The
// request is authenticated by the policy signature, not a bearer token.
func handleIncomingUpload(buckets *storage.BucketSet, signer *storage.UploadSigner) gin.HandlerFunc {
	return func(c *gin.Context) {
		policy, err := signer.ConsumePolicy(c.PostForm("policy"), c.PostForm("x-signature"))
		if err != nil {
			respondError(c, registry.Unauthorized("", "%s", err.Error()))
			return
		}
		if c.PostForm("key") != policy.Key {
			respondError(c, registry.Unauthorized("", "upload key does not match the signed policy"))
			return
		}

		file, err := c.FormFile("file")
		if err != nil {
			respondError(c, registry.InvalidInput("upload is missing the file field"))
			return
		}
		if file.Size > policy.MaxContentLength {
			respondError(c, registry.PackageRejected(registry.CodeArchiveTooLarge,
				"upload exceeds the signed size limit"))
			return
		}

		content, err := file.Open()
		if err != nil {
			respondError(c, fmt.Errorf("failed to open upload: %w", err))
			return
		}
		defer content.Close()

		if err := buckets.StoreIncoming(c.Request.Context(), policy.Key, content); err != nil {
			respondError(c, fmt.Errorf("failed to stage upload: %w", err))
			return
		}

		log.Info().Str("key", policy.Key).Int64("size", file.Size).Msg("upload staged")

		if policy.SuccessActionRedirect != "" {
			c.Redirect(http.StatusSeeOther, policy.SuccessActionRedirect)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleFinalizeUpload(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, ok := requireAgent(c)
		if !ok {
			return
		}

		version, err := svc.PublishUploadedBlob(c.Request.Context(), agent, c.Query("upload_id"))
		if err != nil {
			respondError(c, err)
			return
		}

		respondSuccess(c, fmt.Sprintf("Successfully uploaded new version of %s %s.",
			version.PackageName, version.Version))
	}
}

func handleUpdateOptions(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, ok := requireAgent(c)
		if !ok {
			return
		}

		var opts types.PackageOptions
		if err := c.ShouldBindJSON(&opts); err != nil {
			respondError(c, registry.InvalidInput("invalid options body: %s", err.Error()))
			return
		}

		pkg, err := svc.UpdateOptions(c.Request.Context(), agent, c.Param("name"), opts)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"isDiscontinued": pkg.IsDiscontinued,
			"isUnlisted":     pkg.IsUnlisted,
			"replacedBy":     pkg.ReplacedBy,
		})
	}
}

func handleUpdateVersionOptions(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, ok := requireAgent(c)
		if !ok {
			return
		}

		var opts types.VersionOptions
		if err := c.ShouldBindJSON(&opts); err != nil {
			respondError(c, registry.InvalidInput("invalid options body: %s", err.Error()))
			return
		}

		version, err := svc.UpdateVersionOptions(c.Request.Context(), agent,
			c.Param("name"), c.Param("version"), opts)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"isRetracted": version.IsRetracted})
	}
}

func handleSetPublisher(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, ok := requireAgent(c)
		if !ok {
			return
		}

		var body struct {
			PublisherID string `json:"publisherId"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			respondError(c, registry.InvalidInput("invalid publisher body: %s", err.Error()))
			return
		}

		pkg, err := svc.SetPublisher(c.Request.Context(), agent, c.Param("name"), body.PublisherID)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"publisherId": pkg.PublisherID})
	}
}

func handleUpdateAutomatedPublishing(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, ok := requireAgent(c)
		if !ok {
			return
		}

		var cfg types.AutomatedPublishing
		if err := c.ShouldBindJSON(&cfg); err != nil {
			respondError(c, registry.InvalidInput("invalid automated publishing body: %s", err.Error()))
			return
		}

		normalized, err := svc.UpdateAutomatedPublishing(c.Request.Context(), agent, c.Param("name"), cfg)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, normalized)
	}
}

func handleAddUploader(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, ok := requireAgent(c)
		if !ok {
			return
		}

		email := c.PostForm("email")
		if email == "" {
			var body struct {
				Email string `json:"email"`
			}
			if err := c.ShouldBindJSON(&body); err == nil {
				email = body.Email
			}
		}

		if _, err := svc.AddUploader(c.Request.Context(), agent, c.Param("name"), email); err != nil {
			respondError(c, err)
			return
		}
		respondSuccess(c, fmt.Sprintf("%s added as an uploader of %s.", email, c.Param("name")))
	}
}

func handleRemoveUploader(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, ok := requireAgent(c)
		if !ok {
			return
		}

		email := c.Param("email")
		if _, err := svc.RemoveUploader(c.Request.Context(), agent, c.Param("name"), email); err != nil {
			respondError(c, err)
			return
		}
		respondSuccess(c, fmt.Sprintf("%s removed from the uploaders of %s.", email, c.Param("name")))
	}
}

func handleCreatePublisher(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, ok := requireAgent(c)
		if !ok {
			return
		}

		var body struct {
			Domain string `json:"domain"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			respondError(c, registry.InvalidInput("invalid publisher body: %s", err.Error()))
			return
		}

		publisher, err := svc.CreatePublisher(c.Request.Context(), agent, body.Domain)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, publisher)
	}
}

func handleAddPublisherMember(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, ok := requireAgent(c)
		if !ok {
			return
		}

		var body struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			respondError(c, registry.InvalidInput("invalid member body: %s", err.Error()))
			return
		}

		if err := svc.AddPublisherMember(c.Request.Context(), agent,
			c.Param("id"), body.Email, body.Role); err != nil {
			respondError(c, err)
			return
		}
		respondSuccess(c, fmt.Sprintf("%s added to publisher %s.", body.Email, c.Param("id")))
	}
}

func handleAdminDeleteVersion(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, ok := requireAgent(c)
		if !ok {
			return
		}

		if err := svc.AdminDeleteVersion(c.Request.Context(), agent,
			c.Param("name"), c.Param("version")); err != nil {
			respondError(c, err)
			return
		}
		respondSuccess(c, fmt.Sprintf("Version %s of %s deleted.", c.Param("version"), c.Param("name")))
	}
}

func handleAdminModerateName(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, ok := requireAgent(c)
		if !ok {
			return
		}

		if err := svc.AdminModerateName(c.Request.Context(), agent, c.Param("name")); err != nil {
			respondError(c, err)
			return
		}
		respondSuccess(c, fmt.Sprintf("Package %s moderated.", c.Param("name")))
	}
}
