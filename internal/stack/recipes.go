package stack

// DefaultRecipes are the built-in build recipes, one per detection profile.
var DefaultRecipes = []Recipe{
	{Stack: "nodejs", DefaultPort: 3000, Template: nodeRecipe},
	{Stack: "react", DefaultPort: 80, Template: reactRecipe},
	{Stack: "nextjs", DefaultPort: 3000, Template: nextRecipe},
	{Stack: "python", DefaultPort: 8000, Template: pythonRecipe},
	{Stack: "django", DefaultPort: 8000, Template: djangoRecipe},
	{Stack: "flask", DefaultPort: 5000, Template: flaskRecipe},
	{Stack: "java", DefaultPort: 8080, Template: javaRecipe},
	{Stack: "springboot", DefaultPort: 8080, Template: javaRecipe},
	{Stack: "php", DefaultPort: 80, Template: phpRecipe},
	{Stack: "laravel", DefaultPort: 8000, Template: laravelRecipe},
	{Stack: "go", DefaultPort: 8080, Template: goRecipe},
	{Stack: "rust", DefaultPort: 8080, Template: rustRecipe},
}

const nodeRecipe = `# syntax=docker/dockerfile:1
FROM node:20-bullseye
WORKDIR /app
COPY package*.json ./
RUN if [ -f package-lock.json ]; then npm ci --omit=dev; else npm install --omit=dev; fi
COPY . .
ENV NODE_ENV=production
ENV PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["npm", "start"]
`

const reactRecipe = `# syntax=docker/dockerfile:1
FROM node:20-bullseye AS builder
WORKDIR /app
COPY package*.json ./
RUN if [ -f package-lock.json ]; then npm ci; else npm install; fi
COPY . .
RUN npm run build && mkdir -p /out && cp -r "$( [ -d dist ] && echo dist || echo build )"/. /out/

FROM nginx:alpine
COPY --from=builder /out /usr/share/nginx/html
EXPOSE {{.Port}}
CMD ["nginx", "-g", "daemon off;"]
`

const nextRecipe = `# syntax=docker/dockerfile:1
FROM node:20-bullseye AS builder
WORKDIR /app
COPY package*.json ./
RUN if [ -f package-lock.json ]; then npm ci; else npm install; fi
COPY . .
RUN npm run build

FROM node:20-bullseye-slim
WORKDIR /app
ENV NODE_ENV=production
COPY --from=builder /app ./
ENV PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["npm", "start"]
`

const pythonRecipe = `# syntax=docker/dockerfile:1
FROM python:3.12-slim
WORKDIR /app
COPY . .
RUN if [ -f requirements.txt ]; then pip install --no-cache-dir -r requirements.txt; fi
ENV PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["python", "app.py"]
`

const djangoRecipe = `# syntax=docker/dockerfile:1
FROM python:3.12-slim
WORKDIR /app
COPY requirements.txt* ./
RUN if [ -f requirements.txt ]; then pip install --no-cache-dir -r requirements.txt; fi
COPY . .
RUN python manage.py collectstatic --noinput || true
EXPOSE {{.Port}}
CMD ["python", "manage.py", "runserver", "0.0.0.0:{{.Port}}"]
`

const flaskRecipe = `# syntax=docker/dockerfile:1
FROM python:3.12-slim
WORKDIR /app
COPY requirements.txt* ./
RUN if [ -f requirements.txt ]; then pip install --no-cache-dir -r requirements.txt; fi
COPY . .
ENV FLASK_RUN_HOST=0.0.0.0
ENV FLASK_RUN_PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["python", "app.py"]
`

const javaRecipe = `# syntax=docker/dockerfile:1
FROM maven:3.9-eclipse-temurin-21 AS builder
WORKDIR /src
COPY . .
RUN if [ -x ./mvnw ]; then ./mvnw -B -DskipTests package; \
  elif [ -x ./gradlew ]; then ./gradlew --no-daemon build -x test; \
  else mvn -B -DskipTests package; fi
RUN mkdir -p /out && find . -path '*/build/libs/*.jar' -o -path '*/target/*.jar' | grep -v plain | head -n 1 | xargs -I{} cp {} /out/app.jar

FROM eclipse-temurin:21-jre
WORKDIR /app
COPY --from=builder /out/app.jar ./app.jar
ENV SERVER_PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["java", "-jar", "/app/app.jar"]
`

const phpRecipe = `# syntax=docker/dockerfile:1
FROM php:8.2-apache
COPY . /var/www/html/
RUN chown -R www-data:www-data /var/www/html
EXPOSE {{.Port}}
`

const laravelRecipe = `# syntax=docker/dockerfile:1
FROM php:8.2-cli
WORKDIR /var/www
RUN apt-get update && apt-get install -y --no-install-recommends git unzip libzip-dev \
  && docker-php-ext-install pdo_mysql zip \
  && rm -rf /var/lib/apt/lists/*
COPY --from=composer:2 /usr/bin/composer /usr/bin/composer
COPY . .
RUN composer install --optimize-autoloader --no-dev --no-interaction
EXPOSE {{.Port}}
CMD ["php", "artisan", "serve", "--host=0.0.0.0", "--port={{.Port}}"]
`

const goRecipe = `# syntax=docker/dockerfile:1
FROM golang:1.24 AS builder
WORKDIR /src
COPY go.* ./
RUN go mod download
COPY . ./
RUN CGO_ENABLED=0 GOOS=linux go build -o /out/app .

FROM debian:bookworm-slim
WORKDIR /app
RUN apt-get update && apt-get install -y --no-install-recommends ca-certificates && rm -rf /var/lib/apt/lists/*
COPY --from=builder /out/app ./app
ENV PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["./app"]
`

const rustRecipe = `# syntax=docker/dockerfile:1
FROM rust:1.80 AS builder
WORKDIR /src
COPY . .
RUN cargo build --release && mkdir -p /out \
  && find target/release -maxdepth 1 -type f -perm -u+x -exec cp {} /out/app \;

FROM debian:bookworm-slim
WORKDIR /app
RUN apt-get update && apt-get install -y --no-install-recommends ca-certificates && rm -rf /var/lib/apt/lists/*
COPY --from=builder /out/app ./app
ENV PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["./app"]
`
