package main

import (
	"fmt"

	_ "github.com/grenzgaenger/freshness/cache"
	_ "github.com/grenzgaenger/freshness/config"
	_ "github.com/grenzgaenger/freshness/crosstab"
	_ "github.com/grenzgaenger/freshness/engine"
	_ "github.com/grenzgaenger/freshness/env"
	_ "github.com/grenzgaenger/freshness/logger"
	_ "github.com/grenzgaenger/freshness/mutation"
	_ "github.com/grenzgaenger/freshness/query"
	_ "github.com/grenzgaenger/freshness/resilience"
	_ "github.com/grenzgaenger/freshness/telemetry"
	_ "github.com/grenzgaenger/freshness/tui"
	_ "github.com/grenzgaenger/freshness/virtual"
)

func main() {
	fmt.Println("Hi")
}
