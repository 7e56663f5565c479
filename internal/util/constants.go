package util

const (
	DateFormat = "2006-01-02"
	TimeFormat = "2006-01-02 15:04:05"
)

const (
	StorageLocal = "local"
	StorageMinio = "minio"
	StorageOSS   = "oss"
)

// 课件包上传允许的 MIME 类型
var (
	AllowedPackageMimeTypes = []string{"application/zip", "application/x-zip-compressed", "application/octet-stream"}
)
