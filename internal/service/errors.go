package service

import (
	"errors"

	"o3chat/internal/store"
)

// 业务层错误分类。连接层根据错误类型映射为出站 error 帧，HTTP 层映射为状态码。
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = store.ErrNotFound
	ErrStorage            = store.ErrStorage
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrForbidden          = errors.New("forbidden")
	ErrProtocol           = errors.New("protocol error")
	ErrConnectionLost     = errors.New("connection lost")

	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameTaken      = errors.New("username taken")
)
