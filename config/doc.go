// Package config loads the rosbridge process configuration.
//
// Configuration is assembled in layers: built-in defaults, then each JSON
// file added with AddLayer (deep merged, later layers win), then environment
// variables prefixed with ROSBRIDGE_. Durations in files are strings such as
// "250ms" or "2d"; environment variables use Go duration syntax.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.json")
//	loader.AddLayer("configs/local.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// # Environment Overrides
//
// Every section has an environment prefix:
//
//	ROSBRIDGE_NATS_URL=nats://bus:4222
//	ROSBRIDGE_BUS_PREFIX=robot1
//	ROSBRIDGE_GATEWAY_MAX_WAIT_ATTEMPTS=5
//	ROSBRIDGE_HTTP_ADDR=:8080
//	ROSBRIDGE_OUTPUTS_FILE_PATH=/var/log/rosbridge/events.jsonl
//	ROSBRIDGE_TYPES_FILES=/etc/rosbridge/types.yaml,/etc/rosbridge/local.yaml
//
// Config files are read with size, depth and path checks; see LoadFile.
package config
