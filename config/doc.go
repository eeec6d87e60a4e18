// Package config loads the engine configuration.
//
// Configuration is layered: built-in defaults, then each file passed to the
// Loader in order, then DBCV_* environment variables. Files may be JSON or
// YAML (chosen by extension) and are deep merged, so a layer only needs the
// keys it changes:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.json")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Durations are written as Go duration strings ("250ms", "2m") and may use a
// "d" suffix for days ("7d").
//
// Environment overrides:
//
//	DBCV_REDIS_ADDR, DBCV_REDIS_PASSWORD, DBCV_REDIS_DB
//	DBCV_DATABASE_DRIVER, DBCV_DATABASE_DSN
//	DBCV_NATS_URL, DBCV_NATS_TOKEN, DBCV_NATS_USERNAME, DBCV_NATS_PASSWORD
//	DBCV_AUTH_SECRET_KEY
//	DBCV_METRICS_PORT
//	DBCV_EMITTERS_LOCATION
package config
