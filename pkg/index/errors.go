package index

import "errors"

var (
	// ErrInvalidArgument 参数不合法 (divide 份数越界、范围上下界颠倒等)
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidKey      = errors.New("invalid store key")
	// ErrCorrupt 反序列化时遇到无法解析或乱序的数据
	ErrCorrupt = errors.New("corrupt store index")
)
