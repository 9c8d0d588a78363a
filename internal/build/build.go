package build

import "strings"

var (
	Version = "dev"
	AppName = "Stagerun"
	Slug    = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}
