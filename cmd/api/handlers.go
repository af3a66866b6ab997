package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/doc-forge/internal/admission"
	"github.com/yourusername/doc-forge/internal/auth"
	"github.com/yourusername/doc-forge/internal/domain"
	"github.com/yourusername/doc-forge/internal/jobs"
	"github.com/yourusername/doc-forge/internal/storage"
)

const maxListLimit = 200

type jobHandler struct {
	engine    *jobs.Engine
	files     *storage.Local
	admission *admission.Controller
	logger    *slog.Logger
}

type fileView struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type jobView struct {
	ID          string         `json:"id"`
	Type        domain.JobType `json:"type"`
	Status      domain.Status  `json:"status"`
	InputCount  int            `json:"inputCount"`
	OutputFiles []fileView     `json:"outputFiles,omitempty"`
	ErrorCode   string         `json:"errorCode,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func newJobView(job domain.Job) jobView {
	view := jobView{
		ID:         job.ID,
		Type:       job.Type,
		Status:     job.Status,
		InputCount: len(job.InputFiles),
		ErrorCode:  job.ErrorCode,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
	for _, p := range job.OutputFiles {
		name := filepath.Base(p)
		view.OutputFiles = append(view.OutputFiles, fileView{Name: name, URL: "/api/files/" + name})
	}
	return view
}

// create は POST /api/jobs のハンドラーです。
// multipart の type / files / options（JSON）を受け取り、pending のジョブを作成します。
func (h *jobHandler) create(c *gin.Context) {
	ctx := c.Request.Context()
	userID, tenantID := auth.UserID(c), auth.TenantID(c)

	jobType, err := domain.ParseJobType(c.PostForm("type"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_JOB_TYPE", "ジョブ種別が不正です。")
		return
	}
	opts, err := parseOptions(c.PostForm("options"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_OPTION", "options は JSON オブジェクトで指定してください。")
		return
	}

	form, err := c.MultipartForm()
	if err != nil || len(form.File["files"]) == 0 {
		respondError(c, http.StatusBadRequest, "INVALID_FILE_COUNT", "ファイルを1つ以上アップロードしてください。")
		return
	}
	headers := form.File["files"]

	// ファイルを保存する前にプラン機能とサイズ上限を確認する
	tenant, err := h.admission.Authorize(ctx, tenantID, jobType)
	if err != nil {
		h.writeError(c, err)
		return
	}
	limit := h.admission.MaxFileSize(tenant.Plan)
	for _, fh := range headers {
		if fh.Size > limit {
			respondError(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
				fmt.Sprintf("%s はファイルサイズの上限（%d バイト）を超えています。", fh.Filename, limit))
			return
		}
	}

	stored, err := h.save(c, headers)
	if err != nil {
		h.logger.Error("failed to store uploads", slog.Any("error", err))
		respondError(c, http.StatusInternalServerError, "STORAGE_ERROR", "ファイルの保存に失敗しました。")
		return
	}
	paths := make([]string, len(stored))
	var total int64
	for i, f := range stored {
		paths[i] = f.Path
		total += f.Size
	}

	jobID, err := h.engine.CreateJob(ctx, jobs.CreateRequest{
		UserID:     userID,
		TenantID:   tenantID,
		Type:       jobType,
		InputFiles: paths,
		Options:    opts,
	})
	if err != nil {
		h.files.DeleteMany(ctx, paths)
		h.writeError(c, err)
		return
	}
	if err := h.admission.RecordStorage(ctx, tenantID, total); err != nil {
		h.logger.Warn("failed to record storage usage", slog.String("tenant_id", tenantID), slog.Any("error", err))
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":  jobID,
		"status": domain.StatusPending,
	})
}

func (h *jobHandler) save(c *gin.Context, headers []*multipart.FileHeader) ([]storage.StoredFile, error) {
	uploads := make([]storage.Upload, 0, len(headers))
	defer func() {
		for _, u := range uploads {
			if f, ok := u.Reader.(multipart.File); ok {
				f.Close()
			}
		}
	}()
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, storage.Upload{Name: fh.Filename, Reader: f})
	}
	return h.files.SaveMany(c.Request.Context(), uploads)
}

// list は GET /api/jobs のハンドラーです。
func (h *jobHandler) list(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(c, http.StatusBadRequest, "INVALID_INPUT", "limit には 0 以上の整数を指定してください。")
			return
		}
		limit = min(n, maxListLimit)
	}
	list, err := h.engine.ListJobs(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	views := make([]jobView, len(list))
	for i, job := range list {
		views[i] = newJobView(job)
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views})
}

// get は GET /api/jobs/:id のハンドラーです。他ユーザーのジョブは存在しないものとして扱います。
func (h *jobHandler) get(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		respondError(c, http.StatusBadRequest, "INVALID_INPUT", "jobId を指定してください。")
		return
	}
	job, err := h.engine.GetJob(c.Request.Context(), jobID)
	if err != nil || job.UserID != auth.UserID(c) {
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			respondError(c, http.StatusNotFound, "JOB_NOT_FOUND", "指定されたジョブは存在しません。")
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobView(job))
}

// download は GET /api/files/:filename のハンドラーです。
// ファイル名からジョブを特定し、本人のジョブの成果物のみ返します。
func (h *jobHandler) download(c *gin.Context) {
	ctx := c.Request.Context()
	filename := c.Param("filename")

	jobID, ok := jobIDFromOutput(filename)
	if !ok {
		respondError(c, http.StatusNotFound, "FILE_NOT_FOUND", "指定されたファイルは存在しません。")
		return
	}
	job, err := h.engine.GetJob(ctx, jobID)
	if err != nil || job.UserID != auth.UserID(c) || !ownsOutput(job, filename) {
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			h.writeError(c, err)
			return
		}
		respondError(c, http.StatusNotFound, "FILE_NOT_FOUND", "指定されたファイルは存在しません。")
		return
	}

	file, err := h.files.ResolveForDownload(ctx, filename)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, storage.ErrInvalidPath) {
			respondError(c, http.StatusNotFound, "FILE_NOT_FOUND", "ファイルは保存期間を過ぎたため削除されました。")
			return
		}
		h.writeError(c, err)
		return
	}
	defer file.Body.Close()

	c.DataFromReader(http.StatusOK, file.Size, file.ContentType, file.Body, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, file.Name),
	})
}

// usage は GET /api/usage のハンドラーです。
func (h *jobHandler) usage(c *gin.Context) {
	stats, err := h.admission.Stats(c.Request.Context(), auth.TenantID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tenantId":        stats.TenantID,
		"plan":            stats.Plan,
		"day":             stats.Day,
		"jobsToday":       stats.JobsToday,
		"maxJobsPerDay":   stats.MaxJobsPerDay,
		"remaining":       stats.Remaining,
		"apiCallsToday":   stats.APICallsToday,
		"storageToday":    stats.StorageToday,
		"storageBytes":    stats.StorageBytes,
		"maxStorageBytes": stats.MaxStorageBytes,
		"maxFileSize":     stats.MaxFileSize,
		"jobTypes":        stats.JobTypes,
		"batch":           stats.Batch,
		"apiAccess":       stats.APIAccess,
	})
}

// writeError はドメインのエラーを HTTP ステータスと {code, message} に変換します。
func (h *jobHandler) writeError(c *gin.Context, err error) {
	var (
		denied *domain.AdmissionDeniedError
		ve     *domain.ValidationError
	)
	switch {
	case errors.As(err, &denied):
		switch denied.Reason {
		case domain.ReasonUnknownTenant:
			respondError(c, http.StatusNotFound, denied.Reason, "テナントが見つかりません。")
		case domain.ReasonFeatureDenied:
			respondError(c, http.StatusForbidden, denied.Reason, "現在のプランではこの処理を利用できません。")
		case domain.ReasonRateLimited:
			c.Header("Retry-After", "1")
			respondError(c, http.StatusTooManyRequests, denied.Reason, "リクエストが多すぎます。しばらくしてから再度お試しください。")
		default:
			respondError(c, http.StatusTooManyRequests, denied.Reason, "本日のジョブ上限に達しました。")
		}
	case errors.As(err, &ve):
		code := ve.Code
		if code == "" {
			code = "INVALID_INPUT"
		}
		respondError(c, http.StatusBadRequest, code, ve.Message)
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrQueueClosed):
		respondError(c, http.StatusServiceUnavailable, jobs.CodeQueueUnavailable, "現在混み合っています。しばらくしてから再度お試しください。")
	case errors.Is(err, domain.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "指定されたリソースは存在しません。")
	default:
		h.logger.Error("request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "サーバー内部でエラーが発生しました。")
	}
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":    code,
		"message": message,
	})
}

func parseOptions(raw string) (domain.Options, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Options{}, nil
	}
	var opts domain.Options
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil, err
	}
	if opts == nil {
		return nil, errors.New("options must be an object")
	}
	return opts, nil
}

// jobIDFromOutput は成果物のファイル名（output-<id>.ext / <id>-page-NNN.pdf など）からジョブ ID を取り出します。
func jobIDFromOutput(filename string) (string, bool) {
	name := strings.TrimPrefix(filename, "output-")
	if len(name) < 36 {
		return "", false
	}
	id := name[:36]
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}

func ownsOutput(job domain.Job, filename string) bool {
	return slices.ContainsFunc(job.OutputFiles, func(p string) bool {
		return filepath.Base(p) == filename
	})
}
