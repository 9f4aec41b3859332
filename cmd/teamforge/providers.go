package main

// Provider blank imports. Each import activates a self-registering adapter.

import (
	_ "github.com/Strob0t/TeamForge/internal/adapter/agenthttp"
	_ "github.com/Strob0t/TeamForge/internal/adapter/discord"
	_ "github.com/Strob0t/TeamForge/internal/adapter/slack"
)
