package main

// General API documentation for swaggo. Run `swag init` to (re)generate
// docs before building with -tags=swagger.
//
// @title           inferd API
// @version         1.0
// @description     HTTP API for batched LLM inference serving.
//
// @contact.name   inferd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
