package main

import (
	"mpesa_backend/internal/config"
	"mpesa_backend/internal/daraja"
	httpd "mpesa_backend/internal/delivery/http"
	"mpesa_backend/internal/repository"
	"mpesa_backend/internal/usecase"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

func init() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
}

func main() {
	cfg := config.Load()

	repo, err := repository.NewSQLiteRepo(cfg.SQLiteDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer repo.Close()

	client := daraja.NewClient(daraja.Config{
		Env:              cfg.Mpesa.Env,
		ConsumerKey:      cfg.Mpesa.ConsumerKey,
		ConsumerSecret:   cfg.Mpesa.ConsumerSecret,
		Shortcode:        cfg.Mpesa.Shortcode,
		Passkey:          cfg.Mpesa.Passkey,
		CallbackURL:      cfg.Mpesa.CallbackURL,
		AccountReference: cfg.Mpesa.AccountReference,
		TransactionDesc:  cfg.Mpesa.TransactionDesc,
		Timeout:          time.Duration(cfg.Mpesa.TimeoutSeconds) * time.Second,
	})

	uc := usecase.NewPaymentUsecase(repo, client)
	h := httpd.NewHandler(uc, repo)

	r := h.Routes(httpd.SigConfig{
		Secret:        cfg.HMACSecret,
		MaxAgeSeconds: cfg.SigMaxAgeSeconds,
	})

	addr := ":" + cfg.AppPort
	log.WithField("addr", addr).Info("Server listening")
	log.Fatal(http.ListenAndServe(addr, r))
}
