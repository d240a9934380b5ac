package main

import (
	"errors"
	"flag"
	"log"

	"gorm.io/gorm"

	"github.com/lumoscan/lumoscan/app/models"
	"github.com/lumoscan/lumoscan/internal/pkg/database"
	"github.com/lumoscan/lumoscan/internal/pkg/env"
)

// Creates a user directly against the database and prints its API key once.
// This is the bootstrap path for the first admin account; further accounts
// can be provisioned through POST /api/v1/admin/users.
func main() {
	name := flag.String("name", "", "display name")
	email := flag.String("email", "", "email address (unique)")
	password := flag.String("password", "", "account password")
	plan := flag.String("plan", "free", "plan: free, starter or pro")
	admin := flag.Bool("admin", false, "grant the admin role")
	flag.Parse()

	if *name == "" || *email == "" || *password == "" {
		flag.Usage()
		log.Fatal("name, email and password are required")
	}

	env.SetupEnvFile()
	database.SetupDatabase()
	db := database.GetDB()

	if err := db.Where("email = ?", *email).First(&models.User{}).Error; err == nil {
		log.Fatalf("User %s already exists", *email)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Fatalf("Failed to check for existing user: %v", err)
	}

	user, err := models.CreateUser(*name, *email, *password)
	if err != nil {
		log.Fatalf("Invalid user: %v", err)
	}
	user.Status = models.STATUS_ACTIVE
	if *admin {
		user.Role = models.ROLE_ADMIN
	}
	if err := db.Create(user).Error; err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}

	settings, err := models.GetOrCreateUserSettings(db, user.ID)
	if err != nil {
		log.Fatalf("Failed to create user settings: %v", err)
	}
	settings.Plan = *plan
	rawKey, err := settings.IssueAPIKey()
	if err != nil {
		log.Fatalf("Failed to issue API key: %v", err)
	}
	if err := db.Save(settings).Error; err != nil {
		log.Fatalf("Failed to store API key: %v", err)
	}

	log.Printf("Created user %d (%s, role=%s, plan=%s)", user.ID, user.Email, user.Role, settings.Plan)
	log.Printf("API key (shown once, store it now): %s", rawKey)
}
