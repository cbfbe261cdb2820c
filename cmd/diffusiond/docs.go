package main

// General API documentation for swaggo. Regenerate docs/ with
// `swag init -g cmd/diffusiond/docs.go -o docs`.
//
// @title           diffusiond API
// @version         0.1
// @description     Memory-budgeted diffusion generation server.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
