// Package builtin registers the viewers compiled into the portal. Importing it
// for side effects makes them available to every viewer.Resolver.
package builtin

import (
	"embed"

	"kportal/internal/kube"
	"kportal/internal/viewer"
)

//go:embed templates/*.gohtml
var templates embed.FS

var (
	Pods     = kube.NewResourceKey(kube.CoreGroup, "v1", "pods")
	Services = kube.NewResourceKey(kube.CoreGroup, "v1", "services")
	Secrets  = kube.NewResourceKey(kube.CoreGroup, "v1", "secrets")
)

func init() {
	register(Pods, "templates/pods.gohtml")
	register(Services, "templates/services.gohtml")
	register(Secrets, "templates/secrets.gohtml")
}

func register(key kube.ResourceKey, file string) {
	src, err := templates.ReadFile(file)
	if err != nil {
		panic(err)
	}
	viewer.Register(key, viewer.MustTemplate(key.String(), string(src)))
}
