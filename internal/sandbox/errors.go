package sandbox

import "errors"

var (
	ErrContainerNotFound = errors.New("container not found")

	ErrContainerStartFailed = errors.New("failed to start container")

	ErrImagePullFailed = errors.New("failed to pull image")

	ErrAttachFailed = errors.New("failed to attach to container")
)
