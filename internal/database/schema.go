package database

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id BIGINT NOT NULL PRIMARY KEY,
    display_name VARCHAR(255) NOT NULL DEFAULT '',
    handle VARCHAR(255) NOT NULL DEFAULT '',
    is_premium TINYINT(1) NOT NULL DEFAULT 0,
    free_quota_used INT NOT NULL DEFAULT 0,
    test_count INT NOT NULL DEFAULT 0,
    free_quota_limit INT NULL,
    star_balance BIGINT NOT NULL DEFAULT 0,
    is_admin TINYINT(1) NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    CONSTRAINT chk_accounts_star_balance CHECK (star_balance >= 0),
    KEY idx_accounts_created (created_at)
);

CREATE TABLE IF NOT EXISTS payment_intents (
    intent_id VARCHAR(128) NOT NULL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    product VARCHAR(32) NOT NULL,
    amount VARCHAR(32) NOT NULL,
    currency VARCHAR(16) NOT NULL,
    rail VARCHAR(16) NOT NULL,
    status VARCHAR(16) NOT NULL,
    provider_ref VARCHAR(255) NOT NULL DEFAULT '',
    failure_reason VARCHAR(255) NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    resolved_at DATETIME NULL,
    KEY idx_intents_user (user_id),
    KEY idx_intents_status (status, created_at),
    FOREIGN KEY (user_id) REFERENCES accounts(user_id)
);

CREATE TABLE IF NOT EXISTS promo_codes (
    code VARCHAR(32) NOT NULL PRIMARY KEY,
    status VARCHAR(16) NOT NULL,
    expiry_at DATETIME NOT NULL,
    created_by BIGINT NOT NULL,
    used_by BIGINT NULL,
    used_at DATETIME NULL,
    created_at DATETIME NOT NULL,
    CONSTRAINT chk_promo_used CHECK ((status = 'used') = (used_by IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS tests (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    subject VARCHAR(255) NOT NULL,
    description TEXT NOT NULL,
    questions_count INT NOT NULL,
    created_at DATETIME NOT NULL,
    KEY idx_tests_user (user_id, created_at),
    FOREIGN KEY (user_id) REFERENCES accounts(user_id)
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id INTEGER NOT NULL PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    handle TEXT NOT NULL DEFAULT '',
    is_premium INTEGER NOT NULL DEFAULT 0,
    free_quota_used INTEGER NOT NULL DEFAULT 0,
    test_count INTEGER NOT NULL DEFAULT 0,
    free_quota_limit INTEGER NULL,
    star_balance INTEGER NOT NULL DEFAULT 0 CHECK (star_balance >= 0),
    is_admin INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_created ON accounts (created_at);

CREATE TABLE IF NOT EXISTS payment_intents (
    intent_id TEXT NOT NULL PRIMARY KEY,
    user_id INTEGER NOT NULL REFERENCES accounts(user_id),
    product TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    rail TEXT NOT NULL,
    status TEXT NOT NULL,
    provider_ref TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    resolved_at DATETIME NULL
);

CREATE INDEX IF NOT EXISTS idx_intents_user ON payment_intents (user_id);
CREATE INDEX IF NOT EXISTS idx_intents_status ON payment_intents (status, created_at);

CREATE TABLE IF NOT EXISTS promo_codes (
    code TEXT NOT NULL PRIMARY KEY,
    status TEXT NOT NULL,
    expiry_at DATETIME NOT NULL,
    created_by INTEGER NOT NULL,
    used_by INTEGER NULL,
    used_at DATETIME NULL,
    created_at DATETIME NOT NULL,
    CHECK ((status = 'used') = (used_by IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS tests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES accounts(user_id),
    subject TEXT NOT NULL,
    description TEXT NOT NULL,
    questions_count INTEGER NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tests_user ON tests (user_id, created_at);
`
