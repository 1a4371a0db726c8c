/*
main.go - Application entry point

PURPOSE:
  Starts the attendance points service. All commands, flags and
  configuration live in cli/.

COMMANDS:
  pointsd serve                       HTTP API with scheduled verification
  pointsd verify [--student] [--auto-fix]
  pointsd snapshot create|list|restore|delete

ENVIRONMENT:
  Read from the process and from .env in the working directory.
  See config/config.go for the keys.

EXAMPLES:
  # Run with an in-memory database
  DB_PATH=":memory:" pointsd serve

  # Run against Postgres, verifying hourly
  DB_DRIVER=postgres DATABASE_URL=postgres://... pointsd serve --verify-interval=1h

  # Back up before a bulk adjustment
  pointsd snapshot create before-term-reset --site north
*/
package main

import "github.com/warp/attendance-points/cli"

func main() {
	cli.Execute()
}
