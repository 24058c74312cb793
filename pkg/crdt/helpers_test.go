package crdt_test

import "github.com/cloud-shuttle/leptos-sync-sub001/pkg/xerrors"

func asXerrorsKind(err error) (string, bool) {
	k, ok := xerrors.KindOf(err)
	return string(k), ok
}
