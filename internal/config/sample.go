package config

// Sample is the configuration written by 'asr init'
const Sample = `version: 0

# Secret backend. kind is one of: vault, aws, aws-ssm, gcp, azure, file.
# Environment variables override these values (SECRET_BACKEND, VAULT_ADDR,
# VAULT_TOKEN, VAULT_MOUNT, AWS_REGION, ASR_FILE_DIR).
backend:
  kind: vault

  vault:
    address: http://127.0.0.1:8200
    # token is better kept in VAULT_TOKEN or the OS keyring
    mount: secret
    # auth_method: approle
    # role_id: ...

  aws:
    region: us-east-1
    # profile: production
    # assume_role: arn:aws:iam::123456789012:role/secret-rotator

  # ssm:
  #   region: us-east-1
  #   kms_key_id: alias/secrets

  # gcp:
  #   project_id: my-project

  # azure:
  #   vault_url: https://my-vault.vault.azure.net/
  #   use_managed_identity: true

  file:
    directory: ~/.asr/secrets

rotation:
  period_months: 6
  secret_length: 32
  field: password
  workers: 4
  call_timeout: 30s
  # requests_per_second: 5

# Systems whose passwords follow a rotated secret (rotate --update-target)
# targets:
#   postgres:
#     host: localhost
#     port: 5432
#     database: postgres
#     username: admin
#     password_path: admin/postgres
#     ssl_mode: prefer
#   api:
#     base_url: https://api.example.com
#     endpoint: /users/{username}/password
#     method: PUT
#     auth_header: Bearer token123

# Shell profiles updated by update-env and auto --update-env
# env:
#   profiles: [.bashrc, .zshrc]
`
