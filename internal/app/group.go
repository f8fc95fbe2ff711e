package app

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

func newGroup(ctx context.Context) (*errgroup.Group, context.Context) {
	return errgroup.WithContext(ctx)
}

// swallowCancel 把 ctx 取消当作正常退出，避免关停路径被当成错误。
func swallowCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
