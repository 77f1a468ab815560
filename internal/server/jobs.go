package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docintake/constants"
	"github.com/joseph-ayodele/docintake/internal/common"
	"github.com/joseph-ayodele/docintake/internal/entity"
)

const (
	defaultRetention   = 24 * time.Hour
	defaultExportLimit = 1000
	maxExportLimit     = 10000
	xlsxContentType    = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

func (h *handlers) health(c *gin.Context) {
	if h.ready != nil && !h.ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "docintake"})
}

// createJob streams the "file" part into the upload directory, checks its
// content type and enqueues it.
func (h *handlers) createJob(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadBytes)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"code":    common.CodeInvalidInput,
				"message": fmt.Sprintf("upload exceeds %d bytes", h.cfg.MaxUploadBytes),
			})
			return
		}
		badRequest(c, "multipart field \"file\" is required")
		return
	}

	priority := 0
	if p := strings.TrimSpace(c.PostForm("priority")); p != "" {
		if priority, err = strconv.Atoi(p); err != nil {
			badRequest(c, "priority must be an integer")
			return
		}
	}

	src, err := fh.Open()
	if err != nil {
		badRequest(c, "cannot read upload")
		return
	}
	defer src.Close()

	path, format, err := h.storeUpload(src)
	if err != nil {
		h.logger.Error("http.upload.store_failed", "req_id", common.RequestIDFromContext(c.Request.Context()), "error", err)
		respondWithError(c, err)
		return
	}
	if format == "" {
		c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
			"code":    common.CodeMalformedInput,
			"message": "only PDF and image uploads are accepted",
		})
		return
	}

	handle, err := h.mgr.AddJob(c.Request.Context(), entity.Payload{
		Filename: filepath.Base(fh.Filename),
		FilePath: path,
		Language: strings.TrimSpace(c.PostForm("language")),
		Priority: priority,
	})
	if err != nil {
		_ = os.Remove(path)
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handle)
}

// storeUpload copies the upload under a uuid name and sniffs it. An
// unsupported upload is removed again and reported with an empty format.
func (h *handlers) storeUpload(src io.Reader) (string, string, error) {
	if err := os.MkdirAll(h.cfg.UploadDir, 0o750); err != nil {
		return "", "", fmt.Errorf("create upload dir: %w", err)
	}
	tmp, err := os.CreateTemp(h.cfg.UploadDir, ".upload-*")
	if err != nil {
		return "", "", fmt.Errorf("create upload file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", "", fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("write upload: %w", err)
	}

	mt, err := mimetype.DetectFile(tmpName)
	if err != nil {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("sniff upload: %w", err)
	}
	format := constants.FormatForMIME(mt.String())
	if format == "" {
		os.Remove(tmpName)
		return "", "", nil
	}

	final := filepath.Join(h.cfg.UploadDir, uuid.NewString()+mt.Extension())
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("stage upload: %w", err)
	}
	return final, format, nil
}

func (h *handlers) getJob(c *gin.Context) {
	st, err := h.mgr.GetJobStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) stats(c *gin.Context) {
	st, err := h.mgr.GetQueueStats(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) metrics(c *gin.Context) {
	m, err := h.mgr.GetMetrics(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *handlers) cleanJobs(c *gin.Context) {
	retention := defaultRetention
	if r := c.Query("retention"); r != "" {
		d, err := time.ParseDuration(r)
		if err != nil {
			badRequest(c, "retention must be a duration like 24h")
			return
		}
		retention = d
	}
	n, err := h.mgr.CleanJobs(c.Request.Context(), retention)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n, "retention": retention.String()})
}

func (h *handlers) exportJobs(c *gin.Context) {
	if h.exporter == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"code": "NOT_IMPLEMENTED", "message": "export disabled"})
		return
	}
	state := constants.JobState(strings.ToLower(strings.TrimSpace(c.Query("state"))))
	if state != "" && !state.Valid() {
		badRequest(c, fmt.Sprintf("unknown state %q", state))
		return
	}
	limit := defaultExportLimit
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 || n > maxExportLimit {
			badRequest(c, fmt.Sprintf("limit must be between 1 and %d", maxExportLimit))
			return
		}
		limit = n
	}

	data, err := h.exporter.ExportJobsXLSX(c.Request.Context(), state, limit)
	if err != nil {
		h.logger.Error("export.xlsx.failed", "state", state, "error", err)
		respondWithError(c, err)
		return
	}
	name := fmt.Sprintf("jobs-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, xlsxContentType, data)
}
