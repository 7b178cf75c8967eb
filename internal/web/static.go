package web

import (
	"embed"
)

// staticFiles holds the page served at /: index.html plus its script and
// stylesheet.
//
//go:embed static/*
var staticFiles embed.FS
