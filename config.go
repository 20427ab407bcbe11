package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type botConfig struct {
	Token string

	XUIAPIURL   string
	XUIUsername string
	XUIPassword string

	YooKassaShopID    string
	YooKassaSecretKey string
	ReturnURL         string

	SpreadsheetID         string
	SheetName             string
	GoogleCredentialsPath string

	SubLinkTemplate string
	InstructionURL  string
	AdminUsername   string
	AdminIDs        []int64

	ReferralDBPath string
}

// loadConfig читает .env/окружение. Без токена бота и доступа к панели
// работать нечем — это фатально на старте, а не ошибка в рантайме.
func loadConfig(lg *zap.SugaredLogger) botConfig {
	_ = godotenv.Load()

	cfg := botConfig{
		Token:                 os.Getenv("BOT_TOKEN"),
		XUIAPIURL:             os.Getenv("XUI_API_URL"),
		XUIUsername:           os.Getenv("XUI_USERNAME"),
		XUIPassword:           os.Getenv("XUI_PASSWORD"),
		YooKassaShopID:        os.Getenv("YOOKASSA_SHOP_ID"),
		YooKassaSecretKey:     os.Getenv("YOOKASSA_SECRET_KEY"),
		ReturnURL:             os.Getenv("RETURN_URL"),
		SpreadsheetID:         os.Getenv("SPREADSHEET_ID"),
		SheetName:             os.Getenv("SHEET_NAME"),
		GoogleCredentialsPath: os.Getenv("GOOGLE_CREDENTIALS_PATH"),
		SubLinkTemplate:       os.Getenv("SUB_LINK_TEMPLATE"),
		InstructionURL:        os.Getenv("INSTRUCTION_URL"),
		AdminUsername:         os.Getenv("ADMIN_USERNAME"),
		AdminIDs:              parseAdminIDs(os.Getenv("ADMIN_ID")),
		ReferralDBPath:        os.Getenv("REFERRAL_DB_PATH"),
	}

	if cfg.Token == "" {
		lg.Fatalw("BOT_TOKEN is empty")
	}
	if cfg.XUIAPIURL == "" || cfg.XUIUsername == "" || cfg.XUIPassword == "" {
		lg.Fatalw("XUI_API_URL, XUI_USERNAME and XUI_PASSWORD must be set")
	}

	if cfg.SheetName == "" {
		cfg.SheetName = "Клиенты"
	}
	if cfg.ReferralDBPath == "" {
		cfg.ReferralDBPath = "data/referrals.db"
	}

	return cfg
}

func parseAdminIDs(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
