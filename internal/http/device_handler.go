package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Abenedis/aplitapp/internal/models"
	"github.com/Abenedis/aplitapp/internal/normalizer"
	"github.com/Abenedis/aplitapp/internal/repository"

	"go.uber.org/zap"
)

const devicesPrefix = "/api/v1/devices/"

// DeviceReader 设备读数存储的只读视图
type DeviceReader interface {
	ListDevices() []models.Device
	Get(id models.DeviceID) (models.Device, bool)
}

// DeviceView 设备读数 + 注解
type DeviceView struct {
	ID          models.DeviceID        `json:"device_id"`
	DisplayName string                 `json:"display_name"`
	HomeName    string                 `json:"home_name,omitempty"`
	RoomName    string                 `json:"room_name,omitempty"`
	Status      models.DeviceStatus    `json:"status"`
	LastUpdate  time.Time              `json:"last_update"`
	Latest      *models.SensorReading  `json:"latest,omitempty"`
	Readings    []models.SensorReading `json:"readings"`
}

// DeviceHandler 设备查询 Handler
type DeviceHandler struct {
	devices     DeviceReader
	annotations repository.AnnotationRepository
	logger      *zap.Logger
}

// NewDeviceHandler 创建设备 Handler
func NewDeviceHandler(devices DeviceReader, annotations repository.AnnotationRepository, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		devices:     devices,
		annotations: annotations,
		logger:      logger,
	}
}

// ServeHTTP 路由分发
func (h *DeviceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/api/v1/devices" || path == devicesPrefix:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ListDevices(w, r)
	case path == devicesPrefix+"export":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ExportDevices(w, r)
	case strings.HasSuffix(path, "/name"):
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.UpdateName(w, r, strings.TrimSuffix(strings.TrimPrefix(path, devicesPrefix), "/name"))
	case strings.HasSuffix(path, "/status"):
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.UpdateStatus(w, r, strings.TrimSuffix(strings.TrimPrefix(path, devicesPrefix), "/status"))
	case strings.HasPrefix(path, devicesPrefix):
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.GetDevice(w, r, strings.TrimPrefix(path, devicesPrefix))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// ListDevices GET /api/v1/devices?status=active|hidden|deleted|all&q=
func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	statusFilter := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	if statusFilter != "" && statusFilter != "all" && !models.DeviceStatus(statusFilter).Valid() {
		writeJSON(w, http.StatusBadRequest, Fail(fmt.Sprintf("invalid status filter: %s", statusFilter)))
		return
	}
	search := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))

	views, err := h.views(r.Context())
	if err != nil {
		h.logger.Error("Failed to load device annotations", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail("failed to load device annotations"))
		return
	}

	out := make([]DeviceView, 0, len(views))
	for _, v := range views {
		if statusFilter != "" && statusFilter != "all" && string(v.Status) != statusFilter {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(string(v.ID)), search) &&
			!strings.Contains(strings.ToLower(v.DisplayName), search) {
			continue
		}
		out = append(out, v)
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": out,
		"total": len(out),
	}))
}

// GetDevice GET /api/v1/devices/{id}
func (h *DeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request, rawID string) {
	device, ok := h.lookup(rawID)
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail("device not found"))
		return
	}

	annotation, err := h.annotation(r.Context(), device.ID)
	if err != nil {
		h.logger.Error("Failed to load device annotation",
			zap.String("device_id", device.ID.String()),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail("failed to load device annotation"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(buildView(device, annotation)))
}

type updateNameRequest struct {
	HomeName string `json:"home_name"`
	RoomName string `json:"room_name"`
}

// UpdateName PUT /api/v1/devices/{id}/name
func (h *DeviceHandler) UpdateName(w http.ResponseWriter, r *http.Request, rawID string) {
	id := h.resolveID(rawID)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, Fail("device id is required"))
		return
	}

	var req updateNameRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}

	a, err := h.annotations.SetName(r.Context(), id, req.HomeName, req.RoomName)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidName) {
			writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
			return
		}
		h.logger.Error("Failed to update device name",
			zap.String("device_id", id.String()),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail("failed to update device name"))
		return
	}

	h.logger.Info("Device name updated",
		zap.String("device_id", id.String()),
		zap.String("display_name", a.DisplayName()),
	)
	writeJSON(w, http.StatusOK, Ok(a))
}

type updateStatusRequest struct {
	Action string `json:"action"`
}

// UpdateStatus POST /api/v1/devices/{id}/status {action: hide|show|delete|restore}
func (h *DeviceHandler) UpdateStatus(w http.ResponseWriter, r *http.Request, rawID string) {
	id := h.resolveID(rawID)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, Fail("device id is required"))
		return
	}

	var req updateStatusRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}
	action, err := repository.ParseAction(req.Action)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}

	a, err := h.annotations.SetStatus(r.Context(), id, action)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			writeJSON(w, http.StatusConflict, Fail(err.Error()))
			return
		}
		h.logger.Error("Failed to update device status",
			zap.String("device_id", id.String()),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail("failed to update device status"))
		return
	}

	h.logger.Info("Device status updated",
		zap.String("device_id", id.String()),
		zap.String("status", string(a.Status)),
	)
	writeJSON(w, http.StatusOK, Ok(a))
}

// ExportDevices GET /api/v1/devices/export
func (h *DeviceHandler) ExportDevices(w http.ResponseWriter, r *http.Request) {
	views, err := h.views(r.Context())
	if err != nil {
		h.logger.Error("Failed to load device annotations", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail("failed to load device annotations"))
		return
	}

	excelData, err := GenerateReadingsExport(views)
	if err != nil {
		h.logger.Error("GenerateReadingsExport failed", zap.Error(err))
		writeJSON(w, http.StatusOK, Fail(fmt.Sprintf("failed to generate export: %v", err)))
		return
	}

	filename := fmt.Sprintf("telemetry-export-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(excelData)
}

// views 全部设备（首次出现顺序）叠加注解
func (h *DeviceHandler) views(ctx context.Context) ([]DeviceView, error) {
	devices := h.devices.ListDevices()
	annotations, err := h.annotations.List(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		a, ok := annotations[d.ID]
		if !ok {
			a = repository.Default(d.ID)
		}
		views = append(views, buildView(d, a))
	}
	return views, nil
}

func (h *DeviceHandler) annotation(ctx context.Context, id models.DeviceID) (models.DeviceAnnotation, error) {
	a, err := h.annotations.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return repository.Default(id), nil
	}
	return a, err
}

// lookup 先按原样查找（兜底 ID 区分大小写），再按规范化 ID 查找
func (h *DeviceHandler) lookup(rawID string) (models.Device, bool) {
	rawID = strings.TrimSpace(rawID)
	if rawID == "" || strings.Contains(rawID, "/") {
		return models.Device{}, false
	}
	if d, ok := h.devices.Get(models.DeviceID(rawID)); ok {
		return d, true
	}
	return h.devices.Get(models.DeviceID(normalizer.NormalizeID(rawID)))
}

// resolveID 注解可以写给尚未上报的设备，此时使用规范化 ID
func (h *DeviceHandler) resolveID(rawID string) models.DeviceID {
	if d, ok := h.lookup(rawID); ok {
		return d.ID
	}
	rawID = strings.TrimSpace(rawID)
	if rawID == "" || strings.Contains(rawID, "/") {
		return ""
	}
	return models.DeviceID(normalizer.NormalizeID(rawID))
}

func buildView(d models.Device, a models.DeviceAnnotation) DeviceView {
	a.DeviceID = d.ID
	status := a.Status
	if status == "" {
		status = models.DeviceStatusActive
	}

	view := DeviceView{
		ID:          d.ID,
		DisplayName: a.DisplayName(),
		HomeName:    a.HomeName,
		RoomName:    a.RoomName,
		Status:      status,
		LastUpdate:  d.LastUpdate,
		Readings:    d.Readings,
	}
	if latest, ok := d.Latest(); ok {
		view.Latest = &latest
	}
	return view
}
