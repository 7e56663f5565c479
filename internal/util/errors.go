package util

import "errors"

var (
	ErrEmailRegistered = errors.New("该邮箱已被注册")
)
