// Package allproviders imports every LLM provider to register them.
// Import this package if you want all providers to be available:
//
//	import _ "github.com/acto-org/acto/internal/llm/allproviders"
package allproviders

import (
	_ "github.com/acto-org/acto/internal/llm/anthropic"
	_ "github.com/acto-org/acto/internal/llm/openai"
)
