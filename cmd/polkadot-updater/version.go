package main

// version is injected at build time via -ldflags "-X main.version=...".
var version = "dev"
