// Package config загружает конфигурацию Promptflow через viper.
//
// Источники по возрастанию приоритета: значения по умолчанию,
// YAML файл (promptflow.yaml), переменные окружения PROMPTFLOW_*.
//
//	log:
//	  level: debug
//	  format: text
//	default_capability: ollama
//	providers:
//	  groq:
//	    api_key_env: GROQ_API_KEY
//	    model: llama-3.3-70b-versatile
//	  ollama:
//	    url: http://localhost:11434
//	    model: deepseek-r1
//	executor:
//	  fail_mode: continue_on_error
//	  max_concurrency: 4
//	  call_timeout: 90s
//	  retry: {max_attempts: 3, backoff: exponential, initial_delay_ms: 500}
//	schedules:
//	  - name: daily-summary
//	    pipeline: summary
//	    cron_expr: "0 9 * * *"
//	    timezone: Europe/Moscow
//	    inputs: {topic: "yesterday's news"}
package config
