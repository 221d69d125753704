// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("💊 medication-reminder - Offline-first dose reminders with sync")
	fmt.Println("===============================================================")
	fmt.Println()
	fmt.Println("Packages: recurrence (occurrences), adherence (summaries), reminder (scheduler,")
	fmt.Println("prompts, sync bridge), dosesqlite (device storage + sync client), dosesync (server SDK).")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Reminder Server (examples/reminder_server/)")
	fmt.Println("   Sync, medication, notification and adherence API over chi")
	fmt.Println("   Storage: PostgreSQL when DATABASE_URL is set, in-memory otherwise")
	fmt.Println("   Run: go run ./examples/reminder_server")
	fmt.Println()

	fmt.Println("2. 📱 Device Simulator (examples/device_sim/)")
	fmt.Println("   SQLite-backed device with offline queue and in-process reminders")
	fmt.Println("   Run: go run ./examples/device_sim signin && go run ./examples/device_sim med add Aspirin --at 08:00")
	fmt.Println()
}
