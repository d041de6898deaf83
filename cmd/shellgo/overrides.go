package main

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/ehrlich-b/shellgo/internal/assets"
	"github.com/ehrlich-b/shellgo/internal/dispatcher"
)

// wireOverrides applies the external-collaborator flags: static asset
// overrides, a replacement stylesheet, and additional selectable
// stylesheets. Each --user-css also updates assetSrv's prelude so the
// bootstrap page's stylesheet menu lists it.
func wireOverrides(disp *dispatcher.Dispatcher, flags *pflag.FlagSet, assetSrv *assets.Server) error {
	staticFiles, _ := flags.GetStringArray("static-file")
	for _, entry := range staticFiles {
		urlPath, filePath, err := splitStaticFileSpec(entry)
		if err != nil {
			return err
		}
		disp.AddStaticFile(urlPath, filePath)
	}

	if css, _ := flags.GetString("css"); css != "" {
		disp.OverrideStylesheet(css)
	}

	userCSS, _ := flags.GetStringArray("user-css")
	if len(userCSS) > 0 {
		slots := make([]string, 0, len(userCSS))
		for _, filePath := range userCSS {
			slot, err := disp.AddUserCSS(filePath)
			if err != nil {
				return err
			}
			slots = append(slots, slot)
		}
		assetSrv.SetUserCSSList(slots)
	}

	return nil
}

// splitStaticFileSpec parses a --static-file URL:FILE entry.
func splitStaticFileSpec(entry string) (urlPath, filePath string, err error) {
	parts := strings.SplitN(entry, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("--static-file %q: want URL:FILE", entry)
	}
	return parts[0], parts[1], nil
}
