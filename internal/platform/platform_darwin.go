//go:build darwin
// +build darwin

package platform

func newCatalog(e Executor) Catalog {
	return &diskutilCatalog{exec: e}
}

func newResolver(e Executor, opts ResolverOptions) Resolver {
	return &diskutilResolver{exec: e, opts: opts}
}

func newMounter(e Executor) Mounter {
	return &diskutilMounter{exec: e}
}
