package main

// General API documentation for swaggo. Run `swag init -g cmd/servingd/docs.go` to generate docs.
//
// @title           servingd API
// @version         1.0
// @description     Model and pipeline serving: version status, inference and configuration reload.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
