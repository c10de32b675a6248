package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// ArchiveLister lists stored item archives.
type ArchiveLister interface {
	ListArchives(ctx context.Context) ([]domain.BlobInfo, error)
}

// ArchiveHandler serves the archive listing.
type ArchiveHandler struct {
	archives ArchiveLister
	logger   *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(archives ArchiveLister, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{archives: archives, logger: logger}
}

type archiveResponse struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ListArchives returns the item snapshots in object storage.
// GET /api/archives
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	infos, err := h.archives.ListArchives(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	out := make([]archiveResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, archiveResponse{Path: info.Path, Size: info.Size, LastModified: info.LastModified})
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": out})
}
