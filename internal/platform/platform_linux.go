//go:build linux
// +build linux

package platform

import "github.com/shirou/gopsutil/v3/disk"

func newCatalog(Executor) Catalog {
	return &sysblockCatalog{
		partitions: disk.Partitions,
		sysBlock:   "/sys/block",
	}
}

func newResolver(e Executor, opts ResolverOptions) Resolver {
	return &findmntResolver{exec: e, opts: opts}
}

func newMounter(e Executor) Mounter {
	return &cliMounter{exec: e}
}
