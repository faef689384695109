// Package users は利用者アカウントの永続化を提供します。
package users

import "time"

// User は登録済みの利用者を表します。
type User struct {
	// ID はストアが採番する一意な識別子で、再利用されません。
	ID uint `gorm:"primaryKey;autoIncrement"`

	// Email はログインに使用するメールアドレスです。全利用者間で一意です。
	Email string `gorm:"uniqueIndex;size:320;not null"`

	// PasswordHash は password.Hasher の出力です。平文を保存してはなりません。
	PasswordHash string `gorm:"size:255;not null"`

	DisplayName string `gorm:"size:1000"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName はテーブル名を固定します。
func (User) TableName() string { return "users" }
