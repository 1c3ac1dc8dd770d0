// Package autoload registers every provider factory through their init
// functions. Import it for side effects from the binary entry point.
package autoload

import (
	_ "synapse/pkg/llm/gemini"
	_ "synapse/pkg/llm/ollama"
	_ "synapse/pkg/llm/openailm"
)
