// Package api defines the wire contract of sshkeeper.v1.KeeperService.
// Messages travel as google.protobuf.Struct; the types here are their JSON
// shapes, shared by the server and the admin client.
package api

import (
	"encoding/json"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "sshkeeper.v1.KeeperService"

// Method names.
const (
	MethodPing            = "Ping"
	MethodRegister        = "Register"
	MethodLogin           = "Login"
	MethodVerifyTOTP      = "VerifyTOTP"
	MethodLoginOIDC       = "LoginOIDC"
	MethodLogout          = "Logout"
	MethodLock            = "Lock"
	MethodChangePassword  = "ChangePassword"
	MethodStatus          = "Status"
	MethodSetupTOTP       = "SetupTOTP"
	MethodEnableTOTP      = "EnableTOTP"
	MethodDisableTOTP     = "DisableTOTP"
	MethodRegenerateCodes = "RegenerateBackupCodes"
	MethodSaveHost        = "SaveHost"
	MethodGetHost         = "GetHost"
	MethodListHosts       = "ListHosts"
	MethodDeleteHost      = "DeleteHost"
	MethodSaveCredential  = "SaveCredential"
	MethodListCredentials = "ListCredentials"
	MethodGetCredential   = "GetCredential"
	MethodDeleteCred      = "DeleteCredential"
	MethodMigrateMyData   = "MigrateMyData"
	MethodExportVault     = "ExportVault"
	MethodImportVault     = "ImportVault"
	MethodBackup          = "Backup"
	MethodHealth          = "Health"
)

// FullMethod returns the gRPC path of name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Public methods need no access token.
var Public = map[string]bool{
	MethodPing:       true,
	MethodRegister:   true,
	MethodLogin:      true,
	MethodVerifyTOTP: true,
	MethodLoginOIDC:  true,
}

// MaxMessageSize covers vault exports of a sizeable datastore.
const MaxMessageSize = 64 << 20

// ToStruct converts any JSON-marshalable value to a Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes s into v.
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

type Empty struct{}

type PingReply struct {
	Status string `json:"status"`
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember,omitempty"`
}

type RegisterReply struct {
	UserID  string `json:"userId"`
	IsAdmin bool   `json:"isAdmin"`
}

type LoginReply struct {
	Token      string    `json:"token"`
	UserID     string    `json:"userId"`
	Pending2FA bool      `json:"pending2fa"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type VerifyTOTPRequest struct {
	PendingToken string `json:"pendingToken"`
	Code         string `json:"code"`
	Remember     bool   `json:"remember,omitempty"`
}

type OIDCRequest struct {
	IDToken  string `json:"idToken"`
	Remember bool   `json:"remember,omitempty"`
}

type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type StatusReply struct {
	UserID        string `json:"userId"`
	Username      string `json:"username"`
	IsAdmin       bool   `json:"isAdmin"`
	IsOIDC        bool   `json:"isOidc"`
	TOTPEnabled   bool   `json:"totpEnabled"`
	Unlocked      bool   `json:"unlocked"`
	SchemaVersion int    `json:"schemaVersion"`
}

type TOTPSetupReply struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

type CodeRequest struct {
	Code     string `json:"code"`
	Password string `json:"password,omitempty"`
}

type BackupCodesReply struct {
	Codes []string `json:"codes"`
}

type IDRequest struct {
	ID string `json:"id"`
}

type Host struct {
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name"`
	IP          string    `json:"ip"`
	Port        int       `json:"port"`
	Username    string    `json:"username"`
	AuthType    string    `json:"authType"`
	Password    string    `json:"password,omitempty"`
	Key         string    `json:"key,omitempty"`
	KeyPassword string    `json:"keyPassword,omitempty"`
	KeyType     string    `json:"keyType,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitzero"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

type HostList struct {
	Hosts []Host `json:"hosts"`
}

type Credential struct {
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name"`
	Username    string    `json:"username"`
	AuthType    string    `json:"authType"`
	Password    string    `json:"password,omitempty"`
	PrivateKey  string    `json:"privateKey,omitempty"`
	PublicKey   string    `json:"publicKey,omitempty"`
	KeyPassword string    `json:"keyPassword,omitempty"`
	KeyType     string    `json:"keyType,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitzero"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

type CredentialList struct {
	Credentials []Credential `json:"credentials"`
}

// VaultRequest carries an optional export passphrase.
type VaultRequest struct {
	Passphrase string `json:"passphrase,omitempty"`
}

// Vault is an encrypted datastore with its side-car metadata.
type Vault struct {
	Data       []byte          `json:"data"`
	Metadata   json.RawMessage `json:"metadata"`
	Passphrase string          `json:"passphrase,omitempty"`
}

type ImportReply struct {
	StagedPath string `json:"stagedPath"`
}

type BackupReply struct {
	Path     string          `json:"path"`
	Uploaded bool            `json:"uploaded"`
	Metadata json.RawMessage `json:"metadata"`
}

type IntegrityStat struct {
	Kind         string    `json:"kind"`
	Field        string    `json:"field"`
	Count        int64     `json:"count"`
	LastRecordID string    `json:"lastRecordId"`
	LastError    string    `json:"lastError"`
	LastSeen     time.Time `json:"lastSeen"`
}

type BackupFile struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

type Health struct {
	Integrity      []IntegrityStat `json:"integrity"`
	IntegrityTotal int64           `json:"integrityTotal"`
	UnlockedUsers  int             `json:"unlockedUsers"`
	Backups        []BackupFile    `json:"backups"`
}

type KindReport struct {
	Kind      string `json:"kind"`
	Records   int    `json:"records"`
	Updated   int    `json:"updated"`
	Plaintext int    `json:"plaintext"`
	Legacy    int    `json:"legacy"`
	Failed    int    `json:"failed"`
}

type MigrationReport struct {
	UserID string       `json:"userId"`
	Kinds  []KindReport `json:"kinds"`
}
