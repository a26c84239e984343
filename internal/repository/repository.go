package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Abenedis/aplitapp/internal/models"
)

var (
	// ErrNotFound 设备没有任何注解
	ErrNotFound = errors.New("annotation not found")
	// ErrInvalidTransition 当前状态不允许该操作
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidName home/room 名称不能为空
	ErrInvalidName = errors.New("home name and room name are required")
	// ErrUnknownAction 未知的状态操作
	ErrUnknownAction = errors.New("unknown status action")
)

// Action 设备状态操作
type Action string

const (
	ActionHide    Action = "hide"
	ActionShow    Action = "show"
	ActionDelete  Action = "delete"
	ActionRestore Action = "restore"
)

// ParseAction 解析状态操作（大小写不敏感）
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionHide, ActionShow, ActionDelete, ActionRestore:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// AnnotationRepository 设备注解（显示名称 + 展示状态）存储
// 注解独立于读数存储，没有注解的设备视为 active
type AnnotationRepository interface {
	List(ctx context.Context) (map[models.DeviceID]models.DeviceAnnotation, error)
	Get(ctx context.Context, id models.DeviceID) (models.DeviceAnnotation, error)
	SetName(ctx context.Context, id models.DeviceID, homeName, roomName string) (models.DeviceAnnotation, error)
	SetStatus(ctx context.Context, id models.DeviceID, action Action) (models.DeviceAnnotation, error)
}

// Transition 计算操作后的状态
// hide: active -> hidden；show: hidden -> active；delete: 任意 -> deleted；restore: deleted -> active
func Transition(current models.DeviceStatus, action Action) (models.DeviceStatus, error) {
	if current == "" {
		current = models.DeviceStatusActive
	}

	switch action {
	case ActionHide:
		if current == models.DeviceStatusActive {
			return models.DeviceStatusHidden, nil
		}
	case ActionShow:
		if current == models.DeviceStatusHidden {
			return models.DeviceStatusActive, nil
		}
	case ActionDelete:
		return models.DeviceStatusDeleted, nil
	case ActionRestore:
		if current == models.DeviceStatusDeleted {
			return models.DeviceStatusActive, nil
		}
	default:
		return current, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return current, fmt.Errorf("%w: cannot %s a %s device", ErrInvalidTransition, action, current)
}

// Default 没有注解的设备的默认值
func Default(id models.DeviceID) models.DeviceAnnotation {
	return models.DeviceAnnotation{
		DeviceID: id,
		Status:   models.DeviceStatusActive,
	}
}

func validateNames(homeName, roomName string) (string, string, error) {
	homeName = strings.TrimSpace(homeName)
	roomName = strings.TrimSpace(roomName)
	if homeName == "" || roomName == "" {
		return "", "", ErrInvalidName
	}
	return homeName, roomName, nil
}
